package chat

import "fmt"

// ErrorKind is the closed taxonomy surfaced to clients. Every application
// error a handler can hit maps onto one of these; none of them ever tears
// the connection down.
type ErrorKind string

const (
	KindNotAuthenticated ErrorKind = "not_authenticated"
	KindInvalidContent   ErrorKind = "invalid_content"
	KindInvalidRoom      ErrorKind = "invalid_room"
	KindForbidden        ErrorKind = "forbidden"
	KindNotOnline        ErrorKind = "not_online"
	KindStoreUnavailable ErrorKind = "store_unavailable"
)

type OpError struct {
	Kind    ErrorKind
	Message string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func opErr(kind ErrorKind, format string, args ...any) *OpError {
	return &OpError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	errNotAuthenticated = &OpError{Kind: KindNotAuthenticated, Message: "please authenticate first"}
	errEmptyMessage     = &OpError{Kind: KindInvalidContent, Message: "message cannot be empty"}
	errMessageTooLong   = &OpError{Kind: KindInvalidContent, Message: "message too long (max 1000 characters)"}
)
