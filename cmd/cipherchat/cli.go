package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Nycz-lab/CipherChat/pkg/client"
	"github.com/Nycz-lab/CipherChat/pkg/protocol"
)

const helpText = `Commands:
  /connect [url]              connect (ws://, wss:// or tcp://)
  /close                      close the connection
  /register <user> <password> create an account and log in
  /login <user> <password>    log in
  /logout                     log out
  /users                      list users known on this server
  /forget <user>              delete a user's local history and keys
  /to <name>                  start or select a conversation
  /contacts                   list conversations
  /history [name]             show a conversation
  /attach <file> [mime]       send a file to the selected contact
  /quit                       exit
Any other line is sent as text to the selected contact.`

type cli struct {
	engine        *client.Engine
	in            io.Reader
	out           io.Writer
	outMu         sync.Mutex
	defaultServer string

	// last known identity, for rendering
	mu       sync.Mutex
	self     string
	selected string
}

func newCLI(engine *client.Engine, in io.Reader, out io.Writer, defaultServer string) *cli {
	return &cli{engine: engine, in: in, out: out, defaultServer: defaultServer}
}

func (c *cli) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *cli) loop(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("Type /help for commands.")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.exec(ctx, line); quit {
				return
			}
		}
	}
}

// exec runs one input line and reports whether the user asked to quit.
func (c *cli) exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.sendText(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s", helpText)
	case "/connect":
		c.connect(ctx, args)
	case "/close":
		c.report(c.engine.Close(ctx))
	case "/login", "/register":
		c.authenticate(ctx, cmd, args)
	case "/logout":
		c.report(c.engine.Logout(ctx))
	case "/users":
		c.users(ctx)
	case "/forget":
		if len(args) != 1 {
			c.printf("usage: /forget <user>")
			return false
		}
		if err := c.engine.Forget(ctx, args[0]); err != nil {
			c.report(err)
			return false
		}
		c.printf("Forgot %s", args[0])
	case "/to":
		if len(args) != 1 {
			c.printf("usage: /to <name>")
			return false
		}
		if err := c.engine.StartNewThread(ctx, args[0]); err != nil {
			c.report(err)
			return false
		}
		c.setSelected(args[0])
		c.printf("Talking to %s", args[0])
	case "/contacts":
		c.contacts(ctx)
	case "/history":
		c.history(ctx, args)
	case "/attach":
		c.attach(ctx, args)
	default:
		c.printf("unknown command %s, try /help", cmd)
	}
	return false
}

func (c *cli) report(err error) {
	if err != nil {
		c.printf("error: %v", err)
	}
}

func (c *cli) connect(ctx context.Context, args []string) {
	url := c.defaultServer
	if len(args) > 0 {
		url = args[0]
	}
	if url == "" {
		c.printf("usage: /connect <url>")
		return
	}

	info, err := c.engine.Connect(ctx, url)
	if err != nil {
		c.report(err)
		return
	}
	c.printf("Connected to %s (%s)", info.Host, info.StreamType)
}

func (c *cli) authenticate(ctx context.Context, cmd string, args []string) {
	if len(args) != 2 {
		c.printf("usage: %s <user> <password>", cmd)
		return
	}

	authCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var session client.Session
	var err error
	if cmd == "/register" {
		session, err = c.engine.Register(authCtx, args[0], args[1])
	} else {
		session, err = c.engine.Login(authCtx, args[0], args[1])
	}
	if err != nil {
		var authErr *client.AuthError
		switch {
		case errors.Is(err, client.ErrNoLocalKeyBundle):
			c.printf("No key bundle for %s on this device. Register first or import your keys.", args[0])
		case errors.As(err, &authErr):
			c.printf("Server rejected %s: %s", authErr.User, authErr.Message)
		default:
			c.report(err)
		}
		return
	}

	c.mu.Lock()
	c.self = session.Username
	c.mu.Unlock()
	c.printf("Logged in as %s", session.Username)
}

func (c *cli) setSelected(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = name
}

func (c *cli) currentContact() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

func (c *cli) sendText(ctx context.Context, text string) {
	to := c.currentContact()
	if to == "" {
		c.printf("No conversation selected, use /to <name>")
		return
	}
	if _, err := c.engine.Send(ctx, to, protocol.MimeTextPlain, []byte(text)); err != nil {
		c.report(err)
	}
}

func (c *cli) attach(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		c.printf("usage: /attach <file> [mime]")
		return
	}
	to := c.currentContact()
	if to == "" {
		c.printf("No conversation selected, use /to <name>")
		return
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		c.report(err)
		return
	}

	mimeType := ""
	if len(args) == 2 {
		mimeType = args[1]
	} else {
		mimeType = detectMimeType(args[0], data)
	}

	if _, err := c.engine.Send(ctx, to, mimeType, data); err != nil {
		c.report(err)
	}
}

// detectMimeType guesses from the extension first and the content second.
// Parameters such as charset are dropped. Text that is not UTF-8 is sent as
// binary.
func detectMimeType(path string, data []byte) string {
	guess := mime.TypeByExtension(filepath.Ext(path))
	if guess == "" {
		guess = http.DetectContentType(data)
	}
	mediaType, _, err := mime.ParseMediaType(guess)
	if err != nil || (mediaType == protocol.MimeTextPlain && !utf8.Valid(data)) {
		return "application/octet-stream"
	}
	return mediaType
}

func (c *cli) users(ctx context.Context) {
	users, err := c.engine.KnownUsers(ctx)
	if err != nil {
		c.report(err)
		return
	}
	if len(users) == 0 {
		c.printf("No users on this server yet")
		return
	}
	for _, u := range users {
		c.printf("  %s", u)
	}
}

func (c *cli) contacts(ctx context.Context) {
	snap, err := c.engine.Snapshot(ctx)
	if err != nil {
		c.report(err)
		return
	}
	names := snap.Chat.Contacts()
	if len(names) == 0 {
		c.printf("No conversations yet")
		return
	}
	for _, name := range names {
		c.printf("  %s (%d)", name, len(snap.Chat[name]))
	}
}

func (c *cli) history(ctx context.Context, args []string) {
	name := c.currentContact()
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		c.printf("usage: /history <name>")
		return
	}

	snap, err := c.engine.Snapshot(ctx)
	if err != nil {
		c.report(err)
		return
	}
	for _, msg := range snap.Chat.Thread(name) {
		c.printf("%s", c.render(msg, snap.Session.Username))
	}
}

func (c *cli) render(msg protocol.Message, self string) string {
	stamp := time.Unix(msg.Timestamp, 0).Format("15:04")
	author := client.DisplayAuthor(msg, self)

	env, err := protocol.ParseEnvelope(msg.Cleartext())
	if err != nil {
		return fmt.Sprintf("[%s] %s: <unreadable message>", stamp, author)
	}
	if env.IsText() {
		return fmt.Sprintf("[%s] %s: %s", stamp, author, env.Data)
	}

	kind := client.Classify(env.MimeType)
	if path, ok := client.AttachmentPath(msg); ok {
		if _, err := c.engine.Attachment(path); errors.Is(err, client.ErrAttachmentMissing) {
			return fmt.Sprintf("[%s] %s sent %s %s (file missing)", stamp, author, kind, env.MimeType)
		}
		return fmt.Sprintf("[%s] %s sent %s %s: %s", stamp, author, kind, env.MimeType, path)
	}
	return fmt.Sprintf("[%s] %s sent %s %s", stamp, author, kind, env.MimeType)
}

func (c *cli) printUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.engine.Updates():
			c.printUpdate(u)
		}
	}
}

func (c *cli) printUpdate(u client.Update) {
	switch u := u.(type) {
	case client.MessageAppended:
		c.mu.Lock()
		self := c.self
		c.mu.Unlock()
		if !u.Outbound {
			c.printf("%s", c.render(u.Message, self))
		}
	case client.ConnectionChanged:
		if u.State.Status == client.StatusDisconnected && u.State.Err != nil {
			c.printf("Disconnected: %v", u.State.Err)
		}
	case client.SessionEnded:
		c.mu.Lock()
		c.self = ""
		c.selected = ""
		c.mu.Unlock()
		if u.Reason != nil {
			c.printf("Session for %s ended: %v", u.Username, u.Reason)
		} else {
			c.printf("Logged out %s", u.Username)
		}
	case client.Failure:
		c.printf("warning: %v", u.Err)
	}
}
