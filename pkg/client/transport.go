package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Nycz-lab/CipherChat/pkg/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultTCPPort  = "6465"
	defaultHTTPPort = "8080"

	defaultDialTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second

	eventBufferSize = 256
)

// Stream types reported in ConnectionInfo
const (
	StreamTLS         = "TLS"
	StreamUnencrypted = "unencrypted"
	StreamFramed      = "framed"
)

// dialConfig is a parsed server address
type dialConfig struct {
	scheme  string // "ws", "wss" or "tcp"
	address string // host:port
	display string // canonical address with scheme, used as the connection host
	path    string // websocket request path
}

// parseServerAddress accepts ws://, wss:// and tcp:// addresses. A bare
// host:port is treated as tcp.
func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.EscapedPath()
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
	}

	var defaultPort string
	switch scheme {
	case "tcp":
		defaultPort = defaultTCPPort
		path = ""
	case "ws", "wss":
		defaultPort = defaultHTTPPort
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}

	host, port, err := splitHostPortWithDefault(hostPort, defaultPort)
	if err != nil {
		return nil, err
	}
	address := net.JoinHostPort(host, port)

	return &dialConfig{
		scheme:  scheme,
		address: address,
		display: scheme + "://" + address + path,
		path:    path,
	}, nil
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

// hostFromURL returns the canonical host for a server address. Addresses that
// differ only in an omitted default port share a host.
func hostFromURL(raw string) (string, error) {
	cfg, err := parseServerAddress(raw)
	if err != nil {
		return "", err
	}
	return cfg.display, nil
}

// wireConn moves JSON payloads over one transport connection.
type wireConn interface {
	WritePayload(p []byte) error
	ReadPayload() ([]byte, error)
	Close() error
}

// wsConn carries one JSON payload per websocket text message.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) WritePayload(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, p)
}

func (c *wsConn) ReadPayload() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}

// frameConn carries JSON payloads in length-prefixed frames over plain TCP.
type frameConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *frameConn) WritePayload(p []byte) error {
	return c.writeFrame(protocol.TypePayload, p)
}

func (c *frameConn) writeFrame(frameType uint8, p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.EncodeFrame(c.conn, &protocol.Frame{
		Version: protocol.FrameVersion,
		Type:    frameType,
		Payload: p,
	})
}

func (c *frameConn) ReadPayload() ([]byte, error) {
	for {
		frame, err := protocol.DecodeFrame(c.r)
		if err != nil {
			return nil, err
		}
		switch frame.Type {
		case protocol.TypePayload:
			return frame.Payload, nil
		case protocol.TypeClose:
			return nil, io.EOF
		}
		// unknown frame types are ignored
	}
}

func (c *frameConn) Close() error {
	c.writeFrame(protocol.TypeClose, nil)
	return c.conn.Close()
}

// WireBackendOptions configures a WireBackend.
type WireBackendOptions struct {
	// RootCA is a PEM file trusted for wss:// in place of the system roots.
	RootCA      string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// WireBackend is the Backend that talks to a homeserver over websocket or
// framed TCP. One connection is open at a time; each established connection
// reports exactly one ConnectionClosed on the event feed.
type WireBackend struct {
	rootCA      string
	dialTimeout time.Duration
	logger      *zap.Logger

	events chan protocol.Event

	mu         sync.Mutex
	conn       wireConn
	closing    bool
	readerDone chan struct{}
}

// NewWireBackend creates a disconnected backend.
func NewWireBackend(opts WireBackendOptions) *WireBackend {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WireBackend{
		rootCA:      opts.RootCA,
		dialTimeout: opts.DialTimeout,
		logger:      opts.Logger,
		events:      make(chan protocol.Event, eventBufferSize),
	}
}

// Events returns the inbound event feed.
func (b *WireBackend) Events() <-chan protocol.Event {
	return b.events
}

// tlsConfig trusts only RootCA when it is set, the system roots otherwise.
func (b *WireBackend) tlsConfig() (*tls.Config, error) {
	if b.rootCA == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(b.rootCA)
	if err != nil {
		return nil, fmt.Errorf("failed to read root CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", b.rootCA)
	}
	b.logger.Info("using provided root CA", zap.String("path", b.rootCA))
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (b *WireBackend) dial(ctx context.Context, cfg *dialConfig) (wireConn, string, error) {
	switch cfg.scheme {
	case "ws", "wss":
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: b.dialTimeout,
		}
		streamType := StreamUnencrypted
		if cfg.scheme == "wss" {
			tlsCfg, err := b.tlsConfig()
			if err != nil {
				return nil, "", err
			}
			dialer.TLSClientConfig = tlsCfg
			streamType = StreamTLS
		}

		conn, _, err := dialer.DialContext(ctx, cfg.display, nil)
		if err != nil {
			return nil, "", err
		}
		conn.SetReadLimit(protocol.MaxFrameSize)
		return &wsConn{conn: conn}, streamType, nil

	default:
		d := net.Dialer{Timeout: b.dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", cfg.address)
		if err != nil {
			return nil, "", err
		}
		return newFrameConn(conn), StreamFramed, nil
	}
}

// Connect opens a connection to url and starts reading events from it.
func (b *WireBackend) Connect(ctx context.Context, url string) (protocol.ConnectionInfo, error) {
	cfg, err := parseServerAddress(url)
	if err != nil {
		return protocol.ConnectionInfo{}, err
	}

	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		return protocol.ConnectionInfo{}, ErrAlreadyConnected
	}
	b.mu.Unlock()

	b.logger.Info("connecting", zap.String("address", cfg.display))
	conn, streamType, err := b.dial(ctx, cfg)
	if err != nil {
		b.logger.Warn("connect failed", zap.String("address", cfg.display), zap.Error(err))
		return protocol.ConnectionInfo{}, err
	}

	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		conn.Close()
		return protocol.ConnectionInfo{}, ErrAlreadyConnected
	}
	done := make(chan struct{})
	b.conn = conn
	b.closing = false
	b.readerDone = done
	b.mu.Unlock()

	go b.readLoop(conn, done)

	b.logger.Info("connected", zap.String("address", cfg.display), zap.String("stream", streamType))
	return protocol.ConnectionInfo{Host: cfg.display, StreamType: streamType}, nil
}

// Close closes the current connection and waits until its closure has been
// reported on the event feed. Closing a closed backend is a no-op.
func (b *WireBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	done := b.readerDone
	if conn == nil {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	b.mu.Unlock()

	b.logger.Debug("closing connection")
	err := conn.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (b *WireBackend) current() (wireConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.closing {
		return nil, ErrNotConnected
	}
	return b.conn, nil
}

func (b *WireBackend) write(msg protocol.Message) error {
	conn, err := b.current()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := conn.WritePayload(payload); err != nil {
		return err
	}
	b.logger.Debug("sent payload", zap.Int("bytes", len(payload)))
	return nil
}

// Login sends a login request; the result arrives as an auth event.
func (b *WireBackend) Login(ctx context.Context, req protocol.AuthRequest) error {
	req.Action = protocol.ActionLogin
	return b.write(protocol.Message{Author: req.User, Auth: &req})
}

// Register sends a register request; the result arrives as an auth event.
func (b *WireBackend) Register(ctx context.Context, req protocol.AuthRequest) error {
	req.Action = protocol.ActionRegister
	return b.write(protocol.Message{Author: req.User, Auth: &req})
}

// Logout sends a logout request. No response is expected.
func (b *WireBackend) Logout(ctx context.Context, user, token string) error {
	return b.write(protocol.Message{
		Author: user,
		Auth:   &protocol.AuthRequest{Action: protocol.ActionLogout, User: user},
		Token:  token,
	})
}

// Send transmits a chat message.
func (b *WireBackend) Send(ctx context.Context, msg protocol.Message) error {
	return b.write(msg)
}

func (b *WireBackend) readLoop(conn wireConn, done chan struct{}) {
	defer close(done)

	for {
		payload, err := conn.ReadPayload()
		if err != nil {
			b.mu.Lock()
			requested := b.closing
			if b.conn == conn {
				b.conn = nil
				b.closing = false
			}
			b.mu.Unlock()

			var closeErr error
			if !requested && !isOrderlyClose(err) {
				closeErr = connectionError("read", err)
				b.logger.Warn("connection lost", zap.Error(err))
			} else {
				b.logger.Info("connection closed")
			}
			b.events <- protocol.ConnectionClosed{Err: closeErr}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.logger.Warn("skipping undecodable payload", zap.Int("bytes", len(payload)), zap.Error(err))
			continue
		}

		ev, ok := protocol.ClassifyInbound(msg)
		if !ok {
			b.logger.Debug("skipping untracked payload", zap.String("author", msg.Author))
			continue
		}
		b.events <- ev
	}
}

func isOrderlyClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
