package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores for missing records.
var ErrNotFound = errors.New("not found")

type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindRateLimited
	KindNotFound
	KindUnavailable
	KindStore
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindStore:
		return "store"
	case KindConflict:
		return "conflict"
	}
	return "internal"
}

// Reason is the machine readable code sent to clients.
type Reason string

const (
	ReasonUnauthenticated  Reason = "UNAUTHENTICATED"
	ReasonNotConnected     Reason = "NOT_CONNECTED"
	ReasonNotParticipant   Reason = "NOT_PARTICIPANT"
	ReasonNotSender        Reason = "NOT_SENDER"
	ReasonInvalidPayload   Reason = "INVALID_PAYLOAD"
	ReasonInvalidUserID    Reason = "INVALID_USER_ID"
	ReasonEmptyMessage     Reason = "EMPTY_MESSAGE"
	ReasonMessageTooLong   Reason = "MESSAGE_TOO_LONG"
	ReasonMissingMediaURL  Reason = "MISSING_MEDIA_URL"
	ReasonRateLimited      Reason = "RATE_LIMITED"
	ReasonChatNotFound     Reason = "CHAT_NOT_FOUND"
	ReasonMessageNotFound  Reason = "MESSAGE_NOT_FOUND"
	ReasonMessageDeleted   Reason = "MESSAGE_DELETED"
	ReasonCallNotFound     Reason = "CALL_NOT_FOUND"
	ReasonInvalidCallState Reason = "INVALID_CALL_STATE"
	ReasonUserInCall       Reason = "USER_IN_CALL"
	ReasonUserBusy         Reason = "USER_BUSY"
	ReasonRoomNotFound     Reason = "ROOM_NOT_FOUND"
	ReasonTransportMissing Reason = "TRANSPORT_NOT_FOUND"
	ReasonProducerMissing  Reason = "PRODUCER_NOT_FOUND"
	ReasonCannotConsume    Reason = "CANNOT_CONSUME"
	ReasonUnsupportedCodec Reason = "UNSUPPORTED_CODEC"
	ReasonWorkerNotReady   Reason = "WORKER_NOT_READY"
	ReasonStoreFailure     Reason = "STORE_FAILURE"
	ReasonUnknownCommand   Reason = "UNKNOWN_COMMAND"
	ReasonInternal         Reason = "INTERNAL"
)

type Error struct {
	Kind   Kind
	Reason Reason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and reason, so callers can test with
// errors.Is(err, core.NotFound(core.ReasonCallNotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func newErr(k Kind, r Reason, msg string) *Error {
	return &Error{Kind: k, Reason: r, Msg: msg}
}

func Unauthenticated(msg string) *Error {
	return newErr(KindAuthentication, ReasonUnauthenticated, msg)
}
func Forbidden(r Reason, msg string) *Error { return newErr(KindAuthorization, r, msg) }
func Invalid(r Reason, msg string) *Error   { return newErr(KindValidation, r, msg) }
func NotFound(r Reason, msg string) *Error  { return newErr(KindNotFound, r, msg) }
func Conflict(r Reason, msg string) *Error  { return newErr(KindConflict, r, msg) }
func Unavailable(r Reason, msg string) *Error {
	return newErr(KindUnavailable, r, msg)
}

func RateLimited() *Error {
	return newErr(KindRateLimited, ReasonRateLimited, "too many messages, slow down")
}

// StoreFailure wraps a durable store error.
func StoreFailure(op string, err error) *Error {
	return &Error{Kind: KindStore, Reason: ReasonStoreFailure, Msg: op, Err: err}
}

// ReasonOf extracts the client facing reason and message from err.
func ReasonOf(err error) (Reason, string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason, e.Msg
	}
	return ReasonInternal, "internal error"
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
