package protocol

// Event is a notification from the backend event feed. The concrete type is
// one of MessageReceived, ConnectionClosed, AuthSucceeded or AuthFailed.
type Event interface {
	eventKind() string
}

// MessageReceived carries an inbound chat message.
type MessageReceived struct {
	Message Message
}

// ConnectionClosed is emitted once when the transport goes away, whoever closed it.
type ConnectionClosed struct {
	Err error // nil for an orderly close
}

// AuthSucceeded carries the session token issued for a login or register.
type AuthSucceeded struct {
	Action string
	User   string
	Token  string
}

// AuthFailed carries the backend's failure text for a login or register.
type AuthFailed struct {
	Action  string
	User    string
	Message string
}

func (MessageReceived) eventKind() string  { return "message-received" }
func (ConnectionClosed) eventKind() string { return "connection-closed" }
func (AuthSucceeded) eventKind() string    { return "auth-succeeded" }
func (AuthFailed) eventKind() string       { return "auth-failed" }

// EventKind returns the feed name of an event, for logging.
func EventKind(e Event) string {
	if e == nil {
		return "nil"
	}
	return e.eventKind()
}

// ClassifyInbound turns a decoded inbound payload into an event. Auth responses
// for login/register become AuthSucceeded when a token was issued and AuthFailed
// otherwise. The second return is false for payloads that are neither chat
// messages nor auth results the client tracks.
func ClassifyInbound(msg Message) (Event, bool) {
	if !msg.IsAuth() {
		if msg.Content == nil {
			return nil, false
		}
		return MessageReceived{Message: msg}, true
	}

	switch msg.Auth.Action {
	case ActionLogin, ActionRegister:
		if msg.Token != "" {
			return AuthSucceeded{Action: msg.Auth.Action, User: msg.Auth.User, Token: msg.Token}, true
		}
		return AuthFailed{Action: msg.Auth.Action, User: msg.Auth.User, Message: msg.Auth.Message}, true
	default:
		return nil, false
	}
}
