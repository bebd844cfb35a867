package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/Nycz-lab/CipherChat/pkg/protocol"
)

// MockBackend is a test implementation of Backend
type MockBackend struct {
	mu sync.RWMutex

	// State
	connected  bool
	streamType string
	connectErr error
	sendErr    error
	authErr    error

	// Channel for injected events
	events chan protocol.Event

	// Commands for verification
	Commands []MockCommand
}

// MockCommand records one call made on the mock
type MockCommand struct {
	Name    string // connect, close, login, register, logout, send
	URL     string
	Auth    *protocol.AuthRequest
	Token   string
	Message *protocol.Message
}

// NewMockBackend creates a new mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		streamType: "unencrypted",
		events:     make(chan protocol.Event, 100),
		Commands:   make([]MockCommand, 0),
	}
}

func (m *MockBackend) record(cmd MockCommand) {
	m.Commands = append(m.Commands, cmd)
}

// Connect simulates connecting to url
func (m *MockBackend) Connect(ctx context.Context, url string) (protocol.ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(MockCommand{Name: "connect", URL: url})
	if m.connectErr != nil {
		return protocol.ConnectionInfo{}, m.connectErr
	}

	host, err := hostFromURL(url)
	if err != nil {
		return protocol.ConnectionInfo{}, err
	}
	m.connected = true
	return protocol.ConnectionInfo{Host: host, StreamType: m.streamType}, nil
}

// Close simulates an orderly close. Like a real transport it reports the
// closure on the event feed.
func (m *MockBackend) Close(ctx context.Context) error {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.record(MockCommand{Name: "close"})
	m.mu.Unlock()

	if wasConnected {
		m.events <- protocol.ConnectionClosed{}
	}
	return nil
}

// Login records a login request
func (m *MockBackend) Login(ctx context.Context, req protocol.AuthRequest) error {
	return m.auth("login", req)
}

// Register records a register request
func (m *MockBackend) Register(ctx context.Context, req protocol.AuthRequest) error {
	return m.auth("register", req)
}

func (m *MockBackend) auth(name string, req protocol.AuthRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.authErr != nil {
		return m.authErr
	}
	m.record(MockCommand{Name: name, Auth: &req})
	return nil
}

// Logout records a logout request
func (m *MockBackend) Logout(ctx context.Context, user, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	m.record(MockCommand{
		Name:  "logout",
		Auth:  &protocol.AuthRequest{Action: protocol.ActionLogout, User: user},
		Token: token,
	})
	return nil
}

// Send records a message
func (m *MockBackend) Send(ctx context.Context, msg protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.record(MockCommand{Name: "send", Message: &msg})
	return nil
}

// Events returns the injected event feed
func (m *MockBackend) Events() <-chan protocol.Event {
	return m.events
}

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockBackend) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendError sets an error to return from Send()
func (m *MockBackend) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetAuthError sets an error to return from Login() and Register()
func (m *MockBackend) SetAuthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authErr = err
}

// SimulateEvent pushes an event onto the feed
func (m *MockBackend) SimulateEvent(ev protocol.Event) {
	m.events <- ev
}

// SimulateDrop simulates the server going away
func (m *MockBackend) SimulateDrop(err error) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.events <- protocol.ConnectionClosed{Err: err}
}

// IsConnected returns the connection status
func (m *MockBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// CommandNames returns the names of all recorded commands in order
func (m *MockBackend) CommandNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.Commands))
	for i, c := range m.Commands {
		names[i] = c.Name
	}
	return names
}

// GetLastCommand returns the last command named name, or error if none
func (m *MockBackend) GetLastCommand(name string) (MockCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.Commands) - 1; i >= 0; i-- {
		if m.Commands[i].Name == name {
			return m.Commands[i], nil
		}
	}
	return MockCommand{}, fmt.Errorf("no %s command recorded", name)
}

// ClearCommands clears the recorded commands
func (m *MockBackend) ClearCommands() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands = make([]MockCommand, 0)
}
