package bridge

import (
	"fmt"
	"strings"
)

// AuthError reports a 401/403 from the bridge. It is never retried; the
// operator must fix the configured token.
type AuthError struct {
	Status  int
	TraceID string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("bridge authentication failed (HTTP %d); update the token in settings", e.Status)
}

// NetworkError reports that the bridge could not be reached at all.
type NetworkError struct {
	TraceID string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("cannot reach CE bridge: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UnavailableError reports that the bridge never became ready before the
// deadline. Reason carries the last reason string observed from a health
// payload, if any.
type UnavailableError struct {
	Reason  string
	TraceID string
}

func (e *UnavailableError) Error() string {
	msg := "CE bridge did not become ready in time"
	if e.Reason != "" {
		msg = msg + ": " + e.Reason
	}
	return msg
}

// ProtocolError reports a response the client could not interpret, such as
// invalid JSON or an unexpected payload shape.
type ProtocolError struct {
	Path    string
	Detail  string
	TraceID string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected bridge response from %s: %s", e.Path, e.Detail)
}

// AliasConflictError reports a 409 from the alias mutation endpoint: one or
// more of the requested aliases already belong to another complex.
type AliasConflictError struct {
	CompID    int
	Conflicts []string
	TraceID   string
}

func (e *AliasConflictError) Error() string {
	msg := fmt.Sprintf("alias conflict for complex %d", e.CompID)
	if len(e.Conflicts) > 0 {
		msg = msg + ": " + strings.Join(e.Conflicts, ", ")
	}
	return msg
}
