package orch

import "github.com/dkeye/Tether/internal/core"

// cleanupMedia releases every transport, producer and consumer of conn and
// tells the remaining participants which producers went away.
func (o *Orchestrator) cleanupMedia(conn *core.Connection) {
	if o.Media == nil {
		return
	}
	o.Media.Disconnect(conn)
}
