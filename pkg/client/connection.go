package client

import (
	"context"
	"errors"
	"sync"

	"github.com/Nycz-lab/CipherChat/pkg/protocol"
	"go.uber.org/zap"
)

// ConnectionStatus represents the connection lifecycle
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectionState is the connection as seen by the UI.
type ConnectionState struct {
	Status ConnectionStatus
	Info   protocol.ConnectionInfo // zero unless Connected
	Err    error                   // why the last connection ended or failed
}

// ConnectionManager owns the connection lifecycle on top of a Backend:
// Disconnected → Connecting → Connected → Disconnected.
type ConnectionManager struct {
	backend Backend
	logger  *zap.Logger

	mu       sync.Mutex
	state    ConnectionState
	open     int // established connections whose closure the backend has not reported yet
	early    int // closures reported before Connect returned
	watchers []func(ConnectionState)
}

// NewConnectionManager creates a disconnected manager.
func NewConnectionManager(backend Backend, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{backend: backend, logger: logger}
}

// OnChange registers fn to be called after every state transition. fn runs on
// the goroutine that caused the transition and must not call back into the
// manager.
func (m *ConnectionManager) OnChange(fn func(ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a connection is established.
func (m *ConnectionManager) IsConnected() bool {
	return m.State().Status == StatusConnected
}

func (m *ConnectionManager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	watchers := append([]func(ConnectionState){}, m.watchers...)
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(s)
	}
}

// Connect establishes a connection to url. It fails with ErrAlreadyConnected
// unless the manager is disconnected, and with ErrConnection when the backend
// cannot connect, leaving the manager disconnected.
func (m *ConnectionManager) Connect(ctx context.Context, url string) (protocol.ConnectionInfo, error) {
	m.mu.Lock()
	if m.state.Status != StatusDisconnected {
		m.mu.Unlock()
		return protocol.ConnectionInfo{}, ErrAlreadyConnected
	}
	m.state = ConnectionState{Status: StatusConnecting}
	watchers := append([]func(ConnectionState){}, m.watchers...)
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(ConnectionState{Status: StatusConnecting})
	}

	info, err := m.backend.Connect(ctx, url)
	if err != nil {
		if !errors.Is(err, ErrConnection) {
			err = connectionError("connect "+url, err)
		}
		m.logger.Warn("connect failed", zap.String("url", url), zap.Error(err))
		m.setState(ConnectionState{Status: StatusDisconnected, Err: err})
		return protocol.ConnectionInfo{}, err
	}

	m.mu.Lock()
	if m.early > 0 {
		// the backend already reported this connection closed
		m.early--
		m.mu.Unlock()
		err := connectionError("connect "+url, errors.New("connection closed during handshake"))
		m.setState(ConnectionState{Status: StatusDisconnected, Err: err})
		return protocol.ConnectionInfo{}, err
	}
	m.open++
	m.mu.Unlock()

	m.logger.Info("connection established",
		zap.String("host", info.Host),
		zap.String("stream", info.StreamType))
	m.setState(ConnectionState{Status: StatusConnected, Info: info})
	return info, nil
}

// Close closes the connection. Closing while disconnected is a no-op.
func (m *ConnectionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Status == StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.backend.Close(ctx)
	m.setState(ConnectionState{Status: StatusDisconnected})
	if err != nil {
		m.logger.Warn("close failed", zap.Error(err))
		return connectionError("close", err)
	}
	return nil
}

// HandleClosed records a ConnectionClosed event from the backend. It reports
// whether the live connection was lost; closures of connections already
// closed locally return false.
func (m *ConnectionManager) HandleClosed(cause error) bool {
	m.mu.Lock()
	switch {
	case m.open > 0:
		m.open--
	case m.state.Status == StatusConnecting:
		m.early++
	}
	live := m.open == 0 && m.state.Status == StatusConnected
	m.mu.Unlock()

	if !live {
		m.logger.Debug("closure of a previous connection", zap.Error(cause))
		return false
	}

	m.logger.Info("connection closed by backend", zap.Error(cause))
	m.setState(ConnectionState{Status: StatusDisconnected, Err: cause})
	return true
}
