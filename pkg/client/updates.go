package client

import "github.com/Nycz-lab/CipherChat/pkg/protocol"

// Update is a notification on the engine's update feed. The concrete type is
// one of MessageAppended, ThreadStarted, AuthCompleted, SessionEnded,
// ConnectionChanged or Failure.
type Update interface {
	updateKind() string
}

// MessageAppended reports a message added to a thread, inbound or outbound.
type MessageAppended struct {
	Contact  string
	Message  protocol.Message
	Outbound bool
}

// ThreadStarted reports a new empty thread.
type ThreadStarted struct {
	Contact string
}

// AuthCompleted reports a login or register result.
type AuthCompleted struct {
	Result AuthResult
}

// SessionEnded reports that the session was cleared by logout or connection loss.
type SessionEnded struct {
	Username string
	Reason   error // nil for logout
}

// ConnectionChanged reports a connection state transition.
type ConnectionChanged struct {
	State ConnectionState
}

// Failure reports an error that no caller is waiting for, such as a failed
// background save or a malformed inbound envelope.
type Failure struct {
	Err error
}

func (MessageAppended) updateKind() string   { return "message-appended" }
func (ThreadStarted) updateKind() string     { return "thread-started" }
func (AuthCompleted) updateKind() string     { return "auth-completed" }
func (SessionEnded) updateKind() string      { return "session-ended" }
func (ConnectionChanged) updateKind() string { return "connection-changed" }
func (Failure) updateKind() string           { return "failure" }

// UpdateKind returns the feed name of an update, for logging.
func UpdateKind(u Update) string {
	if u == nil {
		return "nil"
	}
	return u.updateKind()
}
