// Package domain contains entities and the rules that keep them consistent.
// No transport, storage or lifecycle logic here.
package domain

import (
	"errors"
	"regexp"
	"time"
)

var ErrInvalidUserID = errors.New("invalid user id")

var userIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// UserID is an opaque identity issued by the identity provider.
type UserID string

func ParseUserID(s string) (UserID, error) {
	if !userIDPattern.MatchString(s) {
		return "", ErrInvalidUserID
	}
	return UserID(s), nil
}

func (id UserID) Valid() bool {
	return userIDPattern.MatchString(string(id))
}

// Presence is the online flag of a user plus the last time they were seen.
// LastSeen is nil while online.
type Presence struct {
	UserID   UserID     `json:"userId"`
	Online   bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func OnlinePresence(id UserID) Presence {
	return Presence{UserID: id, Online: true}
}

func OfflinePresence(id UserID, at time.Time) Presence {
	return Presence{UserID: id, LastSeen: &at}
}
