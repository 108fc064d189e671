package domain

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"
)

var idCounter atomic.Uint32

// NewObjectID returns a 24-hex id: 4 bytes of unix seconds, 5 random bytes
// and a 3 byte counter, the same shape as user ids.
func NewObjectID(at time.Time) string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(at.Unix()))
	_, _ = rand.Read(b[4:9])
	c := idCounter.Add(1)
	b[9] = byte(c >> 16)
	b[10] = byte(c >> 8)
	b[11] = byte(c)
	return hex.EncodeToString(b[:])
}

// ValidObjectID reports whether s has the 24-hex form used for chat and message ids.
func ValidObjectID(s string) bool {
	return userIDPattern.MatchString(s)
}
