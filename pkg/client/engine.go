package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nycz-lab/CipherChat/pkg/client/store"
	"github.com/Nycz-lab/CipherChat/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const updateBufferSize = 256

type pendingSave struct {
	done chan struct{}
}

// Session is the authenticated identity on the current connection. A session
// without a token is unauthenticated.
type Session struct {
	Username   string
	Token      string
	Connection protocol.ConnectionInfo
}

// Authenticated reports whether the backend issued a token.
func (s Session) Authenticated() bool {
	return s.Token != ""
}

// Snapshot is a consistent view of the engine state. Chat must be treated as
// read-only.
type Snapshot struct {
	Session    Session
	Connection ConnectionState
	Chat       ChatState
	Selected   string
}

// credentialWriter is implemented by credential indexes that can record a
// freshly registered user.
type credentialWriter interface {
	Put(ctx context.Context, namespace, username string, bundle json.RawMessage) error
}

type credentialLister interface {
	Users(ctx context.Context, namespace string) ([]string, error)
}

type credentialRemover interface {
	Remove(ctx context.Context, namespace, username string) error
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Backend        Backend
	Store          store.KV
	Credentials    CredentialIndex // defaults to a KVCredentialIndex on Store
	AttachmentsDir string
	Logger         *zap.Logger
	Metrics        *Metrics

	// Test hooks
	Now   func() time.Time
	NewID func() string
}

// Engine is the session engine. All session and chat state is owned by the
// dispatch loop started by Run; public methods hand work to that loop and
// perform backend and disk I/O outside it.
type Engine struct {
	backend     Backend
	conn        *ConnectionManager
	auth        *AuthCoordinator
	messages    *MessageStore
	attachments *AttachmentStore
	credentials CredentialIndex
	logger      *zap.Logger
	metrics     *Metrics
	now         func() time.Time
	newID       func() string

	ops     chan func()
	updates chan Update
	done    chan struct{}
	runOnce sync.Once
	saveCtx context.Context

	savesMu  sync.Mutex
	inflight map[*pendingSave]struct{}

	// owned by the dispatch loop
	session  Session
	key      SessionKey
	chat     ChatState
	selected string
	version  uint64
}

// NewEngine wires an engine from its collaborators.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("engine needs a backend")
	}
	if opts.Store == nil {
		return nil, errors.New("engine needs a store")
	}
	if opts.AttachmentsDir == "" {
		return nil, errors.New("engine needs an attachments directory")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Credentials == nil {
		opts.Credentials = NewKVCredentialIndex(opts.Store)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	e := &Engine{
		backend:     opts.Backend,
		conn:        NewConnectionManager(opts.Backend, opts.Logger.Named("connection")),
		auth:        NewAuthCoordinator(opts.Backend, opts.Credentials, opts.Logger.Named("auth")),
		messages:    NewMessageStore(opts.Store, opts.Logger.Named("messages")),
		attachments: NewAttachmentStore(opts.AttachmentsDir),
		credentials: opts.Credentials,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		newID:       opts.NewID,
		ops:         make(chan func()),
		updates:     make(chan Update, updateBufferSize),
		done:        make(chan struct{}),
		saveCtx:     context.Background(),
		inflight:    make(map[*pendingSave]struct{}),
	}

	e.conn.OnChange(func(s ConnectionState) {
		e.metrics.connected(s.Status == StatusConnected)
		e.publish(ConnectionChanged{State: s})
	})
	return e, nil
}

// Updates returns the feed of notifications for the UI. Updates are dropped
// when the feed is full.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

func (e *Engine) publish(u Update) {
	select {
	case e.updates <- u:
	default:
		e.logger.Warn("update feed full, dropping update", zap.String("kind", UpdateKind(u)))
	}
}

// Run is the dispatch loop. It serializes local operations and backend
// events until ctx is done. Run may be called only once.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("engine already running")
	}
	defer close(e.done)

	// Saves must outlive the loop so the last state reaches disk
	e.saveCtx = context.WithoutCancel(ctx)
	events := e.backend.Events()

	e.logger.Debug("dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("dispatch loop stopped")
			return ctx.Err()
		case op := <-e.ops:
			op()
		case ev := <-events:
			e.dispatch(ev)
		}
	}
}

// do runs fn on the dispatch loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case e.ops <- op:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (e *Engine) dispatch(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.MessageReceived:
		e.onInboundMessage(ev.Message)
	case protocol.AuthSucceeded, protocol.AuthFailed:
		e.onAuthResult(ev)
	case protocol.ConnectionClosed:
		e.onConnectionClosed(ev.Err)
	default:
		e.logger.Warn("ignoring unknown backend event", zap.String("kind", protocol.EventKind(ev)))
	}
}

// Connect opens a connection to the server at url.
func (e *Engine) Connect(ctx context.Context, url string) (protocol.ConnectionInfo, error) {
	return e.conn.Connect(ctx, url)
}

// Close closes the connection, ending the session and failing pending auth
// requests. Persisted history is untouched.
func (e *Engine) Close(ctx context.Context) error {
	err := e.conn.Close(ctx)
	e.auth.Abort(ErrNotConnected)
	if doErr := e.do(context.WithoutCancel(ctx), func() { e.endSession(nil) }); doErr != nil && err == nil {
		err = doErr
	}
	return err
}

// Login authenticates user on the current connection. It fails with
// ErrNoLocalKeyBundle, before contacting the backend, when this device has no
// credential bundle for user on the server.
func (e *Engine) Login(ctx context.Context, user, password string) (Session, error) {
	state := e.conn.State()
	if state.Status != StatusConnected {
		return Session{}, ErrNotConnected
	}

	results, err := e.auth.Login(ctx, Namespace(state.Info.Host), user, password)
	if err != nil {
		return Session{}, err
	}
	return e.awaitSession(ctx, results)
}

// Register creates user on the server and authenticates as it.
func (e *Engine) Register(ctx context.Context, user, password string) (Session, error) {
	if !e.conn.IsConnected() {
		return Session{}, ErrNotConnected
	}

	results, err := e.auth.Register(ctx, user, password)
	if err != nil {
		return Session{}, err
	}
	return e.awaitSession(ctx, results)
}

func (e *Engine) awaitSession(ctx context.Context, results <-chan AuthResult) (Session, error) {
	select {
	case res := <-results:
		if res.Err != nil {
			return Session{}, res.Err
		}
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return Session{}, err
		}
		return snap.Session, nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// Logout ends the session immediately and then tells the backend. A logout
// the backend never receives still ends the local session.
func (e *Engine) Logout(ctx context.Context) error {
	var user, token string
	if err := e.do(ctx, func() {
		user, token = e.session.Username, e.session.Token
		e.endSession(nil)
	}); err != nil {
		return err
	}
	if token == "" {
		return ErrNotAuthenticated
	}
	return e.auth.Logout(ctx, user, token)
}

// Send encodes payload, transmits it to recipient and appends the local copy
// to the recipient's thread. Blank input is rejected before any side effect.
// When the backend cannot take the message nothing is appended.
func (e *Engine) Send(ctx context.Context, recipient, mimeType string, payload []byte) (protocol.Message, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return protocol.Message{}, ErrEmptyRecipient
	}
	if len(payload) == 0 || (mimeType == protocol.MimeTextPlain && strings.TrimSpace(string(payload)) == "") {
		return protocol.Message{}, ErrEmptyPayload
	}

	cleartext, err := protocol.EncodeEnvelope(mimeType, payload)
	if err != nil {
		return protocol.Message{}, err
	}

	var session Session
	var key SessionKey
	if err := e.do(ctx, func() { session, key = e.session, e.key }); err != nil {
		return protocol.Message{}, err
	}
	if !session.Authenticated() {
		return protocol.Message{}, ErrNotAuthenticated
	}

	msg := protocol.Message{
		MessageID: e.newID(),
		Timestamp: e.now().Unix(),
		Author:    session.Username,
		Recipient: recipient,
		Content:   &protocol.Content{Cleartext: cleartext},
	}

	wire := msg
	wire.Token = session.Token
	if err := e.backend.Send(ctx, wire); err != nil {
		if !errors.Is(err, ErrConnection) {
			err = connectionError("send", err)
		}
		e.logger.Warn("send failed", zap.String("recipient", recipient), zap.Error(err))
		return protocol.Message{}, err
	}

	kind := Classify(mimeType)
	local := msg
	if mimeType != protocol.MimeTextPlain {
		local = e.materialize(key, msg, mimeType, payload)
	}

	// The message is on the wire; the echo must not be lost to a cancelled ctx
	if err := e.do(context.WithoutCancel(ctx), func() {
		if e.key != key {
			e.logger.Info("session ended before local echo", zap.String("message_id", msg.MessageID))
			return
		}
		// the server may already have delivered this id back to us
		if !Admit(e.chat, local, e.session.Username) {
			e.logger.Debug("echo already in thread", zap.String("message_id", msg.MessageID))
			return
		}
		e.appendAndSave(local, true)
	}); err != nil {
		return protocol.Message{}, err
	}

	e.metrics.sent(kind)
	e.logger.Debug("message sent",
		zap.String("message_id", msg.MessageID),
		zap.String("recipient", recipient),
		zap.Stringer("kind", kind))
	return local, nil
}

// materialize stores a binary payload on disk and returns msg with its
// envelope data rewritten to the file path. On failure msg keeps the inline
// payload.
func (e *Engine) materialize(key SessionKey, msg protocol.Message, mimeType string, payload []byte) protocol.Message {
	path, err := e.attachments.Materialize(key, msg.MessageID, payload)
	if err != nil {
		e.logger.Error("failed to materialize attachment",
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		e.publish(Failure{Err: err})
		return msg
	}

	cleartext, err := protocol.Envelope{MimeType: mimeType, Data: path}.Marshal()
	if err != nil {
		return msg
	}
	return withCleartext(msg, cleartext)
}

func withCleartext(msg protocol.Message, cleartext string) protocol.Message {
	content := protocol.Content{Cleartext: cleartext}
	if msg.Content != nil {
		content = *msg.Content
		content.Cleartext = cleartext
	}
	msg.Content = &content
	return msg
}

// SelectContact makes name the active thread.
func (e *Engine) SelectContact(ctx context.Context, name string) error {
	return e.do(ctx, func() { e.selected = name })
}

// StartNewThread creates an empty thread with name and selects it. Starting a
// thread that already exists only selects it.
func (e *Engine) StartNewThread(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyRecipient
	}

	var err error
	if doErr := e.do(ctx, func() {
		if !e.session.Authenticated() {
			err = ErrNotAuthenticated
			return
		}
		e.selected = name
		if _, exists := e.chat[name]; exists {
			return
		}
		e.chat = CreateEmptyThread(e.chat, name)
		e.publish(ThreadStarted{Contact: name})
		e.scheduleSave()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Snapshot returns the current engine state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.do(ctx, func() {
		snap = Snapshot{
			Session:    e.session,
			Connection: e.conn.State(),
			Chat:       e.chat,
			Selected:   e.selected,
		}
	})
	return snap, err
}

// Sync waits until every save issued so far has finished.
func (e *Engine) Sync(ctx context.Context) error {
	e.savesMu.Lock()
	pending := make([]*pendingSave, 0, len(e.inflight))
	for p := range e.inflight {
		pending = append(pending, p)
	}
	e.savesMu.Unlock()

	for _, p := range pending {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// KnownUsers lists the users this device holds a credential bundle or stored
// history for on the connected server.
func (e *Engine) KnownUsers(ctx context.Context) ([]string, error) {
	state := e.conn.State()
	if state.Status != StatusConnected {
		return nil, ErrNotConnected
	}
	ns := Namespace(state.Info.Host)

	seen := make(map[string]struct{})
	if lister, ok := e.credentials.(credentialLister); ok {
		users, err := lister.Users(ctx, ns)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			seen[u] = struct{}{}
		}
	}

	// history is only listed once it reaches the store
	if err := e.Sync(ctx); err != nil {
		return nil, err
	}
	users, err := e.messages.Users(ctx, ns)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		seen[u] = struct{}{}
	}

	known := make([]string, 0, len(seen))
	for u := range seen {
		known = append(known, u)
	}
	sort.Strings(known)
	return known, nil
}

// Forget deletes the history, attachments and credential bundle stored on
// this device for user on the connected server. The logged-in user cannot be
// forgotten.
func (e *Engine) Forget(ctx context.Context, user string) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return ErrEmptyUsername
	}
	state := e.conn.State()
	if state.Status != StatusConnected {
		return ErrNotConnected
	}

	var active bool
	if err := e.do(ctx, func() { active = e.session.Username == user }); err != nil {
		return err
	}
	if active {
		return ErrSessionActive
	}

	// a save left over from an earlier session must not recreate the history
	if err := e.Sync(ctx); err != nil {
		return err
	}

	key := NewSessionKey(state.Info.Host, user)
	if err := e.messages.Delete(ctx, key); err != nil {
		return err
	}
	if err := e.attachments.Remove(key); err != nil {
		return err
	}
	if remover, ok := e.credentials.(credentialRemover); ok {
		if err := remover.Remove(ctx, key.Namespace, user); err != nil {
			return err
		}
	}

	e.logger.Info("forgot user", zap.String("user", user), zap.String("host", state.Info.Host))
	return nil
}

// Attachment reads a materialized attachment.
func (e *Engine) Attachment(path string) ([]byte, error) {
	return e.attachments.Read(path)
}

// Dispatch loop handlers. Everything below runs on the loop.

func (e *Engine) onInboundMessage(msg protocol.Message) {
	if !e.session.Authenticated() {
		e.logger.Warn("dropping message received without a session",
			zap.String("author", msg.Author),
			zap.String("message_id", msg.MessageID))
		return
	}
	self := e.session.Username

	mimeType, payload, decodeErr := protocol.DecodeEnvelope(msg.Cleartext())
	binary := decodeErr == nil && mimeType != protocol.MimeTextPlain
	if binary && msg.MessageID == "" {
		// attachments are stored by id
		msg.MessageID = e.newID()
	}

	if !Admit(e.chat, msg, self) {
		e.metrics.duplicate()
		e.logger.Debug("dropping redelivered message",
			zap.String("author", msg.Author),
			zap.String("message_id", msg.MessageID))
		return
	}

	msg.Token = ""
	kind := KindOpaque
	switch {
	case decodeErr != nil:
		// kept so the UI can render it degraded
		e.metrics.malformed()
		e.logger.Warn("malformed envelope",
			zap.String("author", msg.Author),
			zap.String("message_id", msg.MessageID),
			zap.Error(decodeErr))
		e.publish(Failure{Err: fmt.Errorf("message %q from %s: %w", msg.MessageID, msg.Author, decodeErr)})
	case binary:
		kind = Classify(mimeType)
		msg = e.materialize(e.key, msg, mimeType, payload)
	default:
		kind = KindText
	}

	e.metrics.received(kind)
	e.appendAndSave(msg, IsOutbound(msg, self))
}

func (e *Engine) appendAndSave(msg protocol.Message, outbound bool) {
	self := e.session.Username
	e.chat = Append(e.chat, msg, self)
	e.publish(MessageAppended{
		Contact:  Partner(msg, self),
		Message:  msg,
		Outbound: outbound,
	})
	e.scheduleSave()
}

// scheduleSave persists the current chat state in the background. Saves carry
// increasing versions so a slow older save never replaces a newer one.
func (e *Engine) scheduleSave() {
	e.version++
	key, state, version := e.key, e.chat, e.version

	p := &pendingSave{done: make(chan struct{})}
	e.savesMu.Lock()
	e.inflight[p] = struct{}{}
	e.savesMu.Unlock()

	go func() {
		defer func() {
			e.savesMu.Lock()
			delete(e.inflight, p)
			e.savesMu.Unlock()
			close(p.done)
		}()

		start := time.Now()
		err := e.messages.Save(e.saveCtx, key, state, version)
		e.metrics.saved(start, err)
		if err != nil {
			e.logger.Error("failed to save message history", zap.String("key", key.String()), zap.Error(err))
			e.publish(Failure{Err: err})
		}
	}()
}

func (e *Engine) onAuthResult(ev protocol.Event) {
	req, res, ok := e.auth.match(ev)
	if !ok {
		return
	}

	if res.Err == nil {
		if err := e.startSession(res); err != nil {
			e.logger.Error("failed to start session", zap.String("user", res.User), zap.Error(err))
			res.Token = ""
			res.Err = err
		}
	} else {
		e.logger.Info("authentication failed", zap.String("user", res.User), zap.Error(res.Err))
	}

	e.metrics.authResult(res.Action, res.Err)
	req.complete(res)
	e.publish(AuthCompleted{Result: res})
}

// startSession installs the session for a successful auth result and loads
// the user's history.
func (e *Engine) startSession(res AuthResult) error {
	state := e.conn.State()
	if state.Status != StatusConnected {
		return ErrNotConnected
	}

	if e.session.Authenticated() {
		e.endSession(nil)
	}

	// A save still in flight from an earlier session must land before loading
	e.Sync(context.Background())

	key := NewSessionKey(state.Info.Host, res.User)
	chat, err := e.messages.Load(e.saveCtx, key)
	if err != nil {
		return err
	}

	if res.Action == protocol.ActionRegister {
		e.recordRegistration(key)
	}

	e.session = Session{Username: res.User, Token: res.Token, Connection: state.Info}
	e.key = key
	e.chat = chat
	e.selected = ""
	e.logger.Info("session started",
		zap.String("user", res.User),
		zap.String("host", state.Info.Host),
		zap.Int("threads", len(chat)))
	return nil
}

// recordRegistration adds a freshly registered user to the credential index
// so later logins on this device pass the local bundle check.
func (e *Engine) recordRegistration(key SessionKey) {
	w, ok := e.credentials.(credentialWriter)
	if !ok {
		return
	}
	has, err := e.credentials.HasBundle(e.saveCtx, key.Namespace, key.Username)
	if err == nil && has {
		return
	}
	if err := w.Put(e.saveCtx, key.Namespace, key.Username, nil); err != nil {
		e.logger.Warn("failed to record registered user", zap.String("user", key.Username), zap.Error(err))
	}
}

func (e *Engine) onConnectionClosed(cause error) {
	if !e.conn.HandleClosed(cause) {
		return
	}

	reason := cause
	if reason == nil {
		reason = ErrNotConnected
	}
	e.auth.Abort(reason)
	e.endSession(reason)
}

// endSession clears the session and the in-memory chat. Saves already
// scheduled still complete.
func (e *Engine) endSession(reason error) {
	if e.key.IsZero() {
		return
	}
	user := e.session.Username

	e.session = Session{}
	e.key = SessionKey{}
	e.chat = nil
	e.selected = ""

	e.logger.Info("session ended", zap.String("user", user), zap.Error(reason))
	e.publish(SessionEnded{Username: user, Reason: reason})
}
