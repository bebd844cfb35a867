package client

import (
	"context"

	"github.com/Nycz-lab/CipherChat/pkg/protocol"
)

// Backend is the transport service the session engine drives. Commands return
// once the request is on the wire; results arrive later on Events.
// This allows for mocking in tests while WireBackend talks to a real server.
type Backend interface {
	// Connection management
	Connect(ctx context.Context, url string) (protocol.ConnectionInfo, error)
	Close(ctx context.Context) error

	// Authentication
	Login(ctx context.Context, req protocol.AuthRequest) error
	Register(ctx context.Context, req protocol.AuthRequest) error
	Logout(ctx context.Context, user, token string) error

	// Message sending
	Send(ctx context.Context, msg protocol.Message) error

	// Events is the asynchronous feed of inbound messages, auth results and
	// connection closures. It stays open for the lifetime of the backend.
	Events() <-chan protocol.Event
}
