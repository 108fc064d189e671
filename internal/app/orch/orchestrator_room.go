package orch

import (
	"github.com/dkeye/Tether/internal/core"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) cleanupMembership(conn *core.Connection) {
	rooms := o.Rooms.LeaveAll(conn)
	if len(rooms) > 0 {
		log.Debug().Str("module", "orch").Str("conn", string(conn.ID)).Int("rooms", len(rooms)).Msg("left conversation rooms")
	}
}
