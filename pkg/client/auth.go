package client

import (
	"context"
	"errors"
	"sync"

	"github.com/Nycz-lab/CipherChat/pkg/protocol"
	"go.uber.org/zap"
)

// AuthResult is the outcome of a login or register request.
type AuthResult struct {
	Action string
	User   string
	Token  string
	Err    error // *AuthError for backend rejections
}

// authRequest is a login or register waiting for its backend result.
type authRequest struct {
	action string
	user   string
	done   chan AuthResult
}

func (r *authRequest) complete(res AuthResult) {
	r.done <- res
	close(r.done)
}

// AuthCoordinator correlates asynchronous auth results with the requests that
// caused them. Results match a pending request by username; results without
// one go to the oldest pending request.
type AuthCoordinator struct {
	backend     Backend
	credentials CredentialIndex
	logger      *zap.Logger

	mu      sync.Mutex
	pending []*authRequest
}

// NewAuthCoordinator creates a coordinator. credentials gates Login; a nil
// index rejects every login with ErrNoLocalKeyBundle.
func NewAuthCoordinator(backend Backend, credentials CredentialIndex, logger *zap.Logger) *AuthCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthCoordinator{backend: backend, credentials: credentials, logger: logger}
}

// Login issues a login for user once the credential index confirms a local
// bundle for it in namespace. Without one it fails with ErrNoLocalKeyBundle
// and no backend command is sent.
func (a *AuthCoordinator) Login(ctx context.Context, namespace, user, password string) (<-chan AuthResult, error) {
	if a.credentials == nil {
		return nil, ErrNoLocalKeyBundle
	}
	ok, err := a.credentials.HasBundle(ctx, namespace, user)
	if err != nil {
		return nil, err
	}
	if !ok {
		a.logger.Info("login refused, no local key bundle", zap.String("user", user))
		return nil, ErrNoLocalKeyBundle
	}

	req := protocol.AuthRequest{Action: protocol.ActionLogin, User: user, Password: password}
	return a.submit(ctx, req, a.backend.Login)
}

// Register issues a register for user.
func (a *AuthCoordinator) Register(ctx context.Context, user, password string) (<-chan AuthResult, error) {
	req := protocol.AuthRequest{Action: protocol.ActionRegister, User: user, Password: password}
	return a.submit(ctx, req, a.backend.Register)
}

func (a *AuthCoordinator) submit(ctx context.Context, req protocol.AuthRequest, send func(context.Context, protocol.AuthRequest) error) (<-chan AuthResult, error) {
	pending := &authRequest{
		action: req.Action,
		user:   req.User,
		done:   make(chan AuthResult, 1),
	}

	// Registered before sending so a fast response cannot miss it
	a.mu.Lock()
	a.pending = append(a.pending, pending)
	a.mu.Unlock()

	if err := send(ctx, req); err != nil {
		a.remove(pending)
		if !errors.Is(err, ErrConnection) {
			err = connectionError(req.Action, err)
		}
		return nil, err
	}

	a.logger.Debug("auth request sent", zap.String("action", req.Action), zap.String("user", req.User))
	return pending.done, nil
}

func (a *AuthCoordinator) remove(target *authRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range a.pending {
		if p == target {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return
		}
	}
}

// Pending returns the number of requests awaiting a result.
func (a *AuthCoordinator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// match removes and returns the pending request an auth event answers, along
// with the result the event carries. ok is false for events nobody waits for.
func (a *AuthCoordinator) match(ev protocol.Event) (req *authRequest, res AuthResult, ok bool) {
	switch e := ev.(type) {
	case protocol.AuthSucceeded:
		res = AuthResult{Action: e.Action, User: e.User, Token: e.Token}
	case protocol.AuthFailed:
		res = AuthResult{
			Action: e.Action,
			User:   e.User,
			Err:    &AuthError{Action: e.Action, User: e.User, Message: e.Message},
		}
	default:
		return nil, AuthResult{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := -1
	if res.User != "" {
		for i, p := range a.pending {
			if p.user == res.User {
				idx = i
				break
			}
		}
	} else if len(a.pending) > 0 {
		idx = 0
	}

	if idx < 0 {
		a.logger.Warn("dropping unmatched auth result",
			zap.String("action", res.Action),
			zap.String("user", res.User))
		return nil, res, false
	}

	req = a.pending[idx]
	a.pending = append(a.pending[:idx], a.pending[idx+1:]...)

	// Results may omit what the request already knows
	if res.User == "" {
		res.User = req.user
		if ae, isAuth := res.Err.(*AuthError); isAuth {
			ae.User = req.user
		}
	}
	if res.Action == "" {
		res.Action = req.action
		if ae, isAuth := res.Err.(*AuthError); isAuth {
			ae.Action = req.action
		}
	}
	return req, res, true
}

// Logout sends a logout for user. It is optimistic: callers clear the local
// session whether or not the request reaches the backend.
func (a *AuthCoordinator) Logout(ctx context.Context, user, token string) error {
	if err := a.backend.Logout(ctx, user, token); err != nil {
		a.logger.Warn("logout not delivered", zap.String("user", user), zap.Error(err))
		if !errors.Is(err, ErrConnection) {
			err = connectionError("logout", err)
		}
		return err
	}
	return nil
}

// Abort fails every pending request with err.
func (a *AuthCoordinator) Abort(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, p := range pending {
		p.complete(AuthResult{Action: p.action, User: p.user, Err: err})
	}
	if len(pending) > 0 {
		a.logger.Info("aborted pending auth requests", zap.Int("count", len(pending)), zap.Error(err))
	}
}
