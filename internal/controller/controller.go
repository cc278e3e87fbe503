// Package controller owns the session lifecycle: pairing, restore,
// reconnection, sending, and logout. It is the single writer of session
// phase and the backend behind the websocket relay.
package controller

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/P-443/zzapp/internal/bus"
	"github.com/P-443/zzapp/internal/config"
	"github.com/P-443/zzapp/internal/contacts"
	"github.com/P-443/zzapp/internal/gateway"
	"github.com/P-443/zzapp/internal/media"
	"github.com/P-443/zzapp/internal/relay"
	"github.com/P-443/zzapp/internal/status"
	"github.com/P-443/zzapp/internal/store"
)

// Controller drives the gateway through the session state machine and
// answers subscriber commands.
type Controller struct {
	gw      gateway.Gateway
	machine *status.Machine
	bus     *bus.Bus
	db      *store.DB
	files   *media.Materializer
	names   *contacts.Resolver
	cfg     *config.Config
	logger  *zap.Logger

	uploadsDir string

	// initializing serializes Initialize against itself and against the
	// retry path; a second caller observes true and returns.
	initializing atomic.Bool
	// retryGen supersedes in-flight retry timers: a timer only fires its
	// action if the generation it captured is still current.
	retryGen atomic.Int64

	mu      sync.Mutex
	session string
	lastQR  string
	profile *store.UserProfile
}

func New(gw gateway.Gateway, machine *status.Machine, b *bus.Bus, db *store.DB,
	files *media.Materializer, names *contacts.Resolver, cfg *config.Config,
	uploadsDir string, logger *zap.Logger) *Controller {
	return &Controller{
		gw:         gw,
		machine:    machine,
		bus:        b,
		db:         db,
		files:      files,
		names:      names,
		cfg:        cfg,
		logger:     logger,
		uploadsDir: uploadsDir,
	}
}

var _ relay.Backend = (*Controller)(nil)

// Initialize brings the session up: restores a fresh enough previous login
// or starts the QR pairing flow. Safe to call repeatedly; overlapping calls
// collapse into one.
func (c *Controller) Initialize() {
	if !c.initializing.CompareAndSwap(false, true) {
		c.logger.Debug("initialize already in progress")
		return
	}
	for c.initialize() {
	}
	c.initializing.Store(false)
}

// initialize runs one login attempt and reports whether a new attempt
// should start immediately (QR pairing timed out).
func (c *Controller) initialize() bool {
	window := time.Duration(c.cfg.RestoreWindowHours) * time.Hour
	previous, err := c.db.LatestSession(window)
	if err != nil {
		c.logger.Error("look up previous session failed", zap.Error(err))
	}

	if c.gw.LoggedIn() {
		if previous != nil {
			c.restore(previous)
			return false
		}
		// Credentials are still valid but the session record aged out:
		// keep the login, mint a new session identity.
		c.reuseCredentials()
		return false
	}
	return c.freshLogin()
}

func (c *Controller) reuseCredentials() {
	sessionID := uuid.New().String()
	if err := c.db.CreateSession(sessionID); err != nil {
		c.logger.Error("create session failed", zap.Error(err))
		c.failSession("could not create session record")
		return
	}
	c.setSession(sessionID)
	c.logger.Info("reusing stored credentials under new session",
		zap.String("session_id", sessionID))

	if err := c.machine.Transition(status.Authenticated); err != nil {
		c.logger.Error("transition failed", zap.Error(err))
	}
	c.bus.Publish(bus.Now("session.restored", map[string]string{"session_id": sessionID}))

	if err := c.gw.Connect(context.Background()); err != nil {
		c.logger.Error("connect with stored credentials failed", zap.Error(err))
		c.onDisconnected()
	}
}

func (c *Controller) restore(previous *store.Session) {
	c.setSession(previous.ID)
	c.logger.Info("restoring session", zap.String("session_id", previous.ID))

	if err := c.machine.Transition(status.Authenticated); err != nil {
		c.logger.Error("transition failed", zap.Error(err))
	}
	c.bus.Publish(bus.Now("session.restored", map[string]string{"session_id": previous.ID}))

	if err := c.gw.Connect(context.Background()); err != nil {
		c.logger.Error("restore connect failed", zap.Error(err))
		c.onDisconnected()
	}
}

// freshLogin runs the QR pairing flow. Returns true when pairing timed out
// and should restart from scratch.
func (c *Controller) freshLogin() bool {
	sessionID := uuid.New().String()
	if err := c.db.CreateSession(sessionID); err != nil {
		c.logger.Error("create session failed", zap.Error(err))
		c.failSession("could not create session record")
		return false
	}
	c.setSession(sessionID)
	c.logger.Info("starting fresh login", zap.String("session_id", sessionID))

	if err := c.machine.Transition(status.AwaitingScan); err != nil {
		c.logger.Error("transition failed", zap.Error(err))
	}
	c.bus.Publish(bus.Now("session.waiting", map[string]string{"session_id": sessionID}))

	qrEvents, err := c.gw.StartQR(context.Background())
	if err != nil {
		c.logger.Error("start QR failed", zap.Error(err))
		c.failSession("could not start pairing")
		return false
	}

	for evt := range qrEvents {
		switch evt.Kind {
		case gateway.QRCode:
			dataURL, err := qrDataURL(evt.Code)
			if err != nil {
				c.logger.Error("encode QR failed", zap.Error(err))
				continue
			}
			c.mu.Lock()
			c.lastQR = dataURL
			c.mu.Unlock()
			c.bus.Publish(bus.Now("session.qr", map[string]string{
				"qr": dataURL, "session_id": sessionID,
			}))

		case gateway.QRSuccess:
			c.mu.Lock()
			c.lastQR = ""
			c.mu.Unlock()
			if err := c.machine.Transition(status.Authenticated); err != nil {
				c.logger.Error("transition failed", zap.Error(err))
			}
			return false

		case gateway.QRTimeout:
			c.logger.Info("QR pairing timed out, restarting")
			c.mu.Lock()
			c.lastQR = ""
			c.mu.Unlock()
			c.resetToUninitialized()
			return true

		case gateway.QRError:
			c.logger.Error("QR pairing failed", zap.Error(evt.Err))
			c.failSession("pairing failed")
			return false
		}
	}
	return false
}

// HandleGatewayEvent is the sink registered with the gateway. Protocol
// traffic is wrapped in an envelope for the ingest pipeline; lifecycle
// events drive the state machine.
func (c *Controller) HandleGatewayEvent(evt any) {
	switch e := evt.(type) {
	case *gateway.Message:
		c.bus.Publish(bus.Now("wa.message", gateway.Envelope{
			SessionID: c.SessionID(), Message: e,
		}))
	case *gateway.Receipt:
		c.bus.Publish(bus.Now("wa.receipt", gateway.Envelope{
			SessionID: c.SessionID(), Receipt: e,
		}))
	case *gateway.Connected:
		c.onReady()
	case *gateway.Disconnected:
		c.onDisconnected()
	case *gateway.LoggedOut:
		c.onRemoteLogout(e.Reason)
	}
}

func (c *Controller) onReady() {
	// A reconnect supersedes any pending retry timers.
	c.retryGen.Add(1)

	if c.machine.Current() == status.Ready {
		return
	}
	if err := c.machine.Transition(status.Ready); err != nil {
		c.logger.Error("transition failed", zap.Error(err))
		return
	}

	sessionID := c.SessionID()
	if err := c.db.TouchSession(sessionID); err != nil {
		c.logger.Error("touch session failed", zap.Error(err))
	}

	name, number := c.gw.Self()
	profile := store.UserProfile{Name: name, Number: number}
	if number != "" {
		profile.Avatar = c.names.Avatar(context.Background(), number+"@s.whatsapp.net")
	}
	if err := c.db.SetSessionUser(sessionID, profile); err != nil {
		c.logger.Error("persist user profile failed", zap.Error(err))
	}
	c.mu.Lock()
	c.profile = &profile
	c.mu.Unlock()

	c.logger.Info("session ready",
		zap.String("session_id", sessionID), zap.String("number", number))
	c.bus.Publish(bus.Now("session.ready", map[string]string{"session_id": sessionID}))
	c.bus.Publish(bus.Now("session.user_info", userInfo(sessionID, profile)))
}

func (c *Controller) onDisconnected() {
	current := c.machine.Current()
	if current == status.Uninitialized || current == status.Failed {
		// Deliberate teardown; nothing to retry.
		return
	}
	if current != status.Disconnected {
		if err := c.machine.Transition(status.Disconnected); err != nil {
			c.logger.Error("transition failed", zap.Error(err))
			return
		}
	}
	gen := c.retryGen.Add(1)
	go c.retryLoop(gen)
}

// retryLoop reconnects with exponential backoff, then settles into a slow
// fixed-interval loop. It aborts as soon as its generation is superseded.
func (c *Controller) retryLoop(gen int64) {
	attempt := 0
	for {
		attempt++
		delay := c.backoff(attempt)
		c.logger.Info("scheduling reconnect",
			zap.Int("attempt", attempt), zap.Duration("delay", delay))
		time.Sleep(delay)

		if c.retryGen.Load() != gen {
			return
		}
		if err := c.machine.Transition(status.Retrying); err != nil {
			return
		}
		err := c.gw.Connect(context.Background())
		if err == nil {
			// Connected event completes the transition to ready.
			return
		}
		c.logger.Warn("reconnect failed", zap.Error(err))
		if c.retryGen.Load() != gen {
			return
		}
		if err := c.machine.Transition(status.Disconnected); err != nil {
			return
		}
	}
}

func (c *Controller) backoff(attempt int) time.Duration {
	if attempt > c.cfg.Retry.MaxAttempts {
		return time.Duration(c.cfg.Retry.LongRetryMS) * time.Millisecond
	}
	delay := time.Duration(c.cfg.Retry.BaseMS) * time.Millisecond
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if limit := time.Duration(c.cfg.Retry.CapMS) * time.Millisecond; delay > limit {
		delay = limit
	}
	return delay
}

// onRemoteLogout handles credential invalidation initiated on the phone.
// The local session is torn down and a fresh pairing cycle begins.
func (c *Controller) onRemoteLogout(reason string) {
	c.logger.Warn("logged out remotely", zap.String("reason", reason))
	c.teardownSession()
	go c.Initialize()
}

// Logout implements the subscriber-initiated logout: invalidate the
// credentials server-side, drop local state, and start a new pairing cycle.
func (c *Controller) Logout(ctx context.Context) error {
	c.logger.Info("logout requested")
	if err := c.gw.Logout(ctx); err != nil {
		c.logger.Warn("gateway logout failed", zap.Error(err))
	}
	c.teardownSession()
	go c.Initialize()
	return nil
}

func (c *Controller) teardownSession() {
	c.retryGen.Add(1)
	sessionID := c.SessionID()

	c.resetToUninitialized()
	if sessionID != "" {
		if err := c.db.DeleteSession(sessionID); err != nil {
			c.logger.Error("delete session failed", zap.Error(err))
		}
	}
	c.mu.Lock()
	c.session = ""
	c.lastQR = ""
	c.profile = nil
	c.mu.Unlock()

	c.bus.Publish(bus.Now("session.logged_out", map[string]string{"session_id": sessionID}))
}

func (c *Controller) resetToUninitialized() {
	if err := c.machine.Transition(status.Uninitialized); err != nil {
		c.logger.Error("transition failed", zap.Error(err))
	}
}

func (c *Controller) failSession(msg string) {
	if err := c.machine.Transition(status.Failed); err != nil {
		c.logger.Error("transition failed", zap.Error(err))
	}
	c.bus.Publish(bus.Now("session.error", relay.ErrorData{Message: msg}))
}

// SendText sends a text message and feeds the echo back through the ingest
// pipeline so it is persisted and relayed like any inbound message.
func (c *Controller) SendText(ctx context.Context, to, body string) error {
	if to == "" || body == "" {
		return fmt.Errorf("send_message requires to and body")
	}
	if c.machine.Current() != status.Ready {
		return fmt.Errorf("session not ready")
	}

	msgID, ts, err := c.gw.SendText(ctx, to, body)
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	c.touch()
	c.publishOwnMessage(&gateway.Message{
		ChatID:    to,
		MessageID: msgID,
		Body:      body,
		Kind:      "text",
		IsFromMe:  true,
		Timestamp: ts,
	})
	return nil
}

// SendMedia sends a previously uploaded file. The command's file path is the
// serve path returned by the upload endpoint.
func (c *Controller) SendMedia(ctx context.Context, cmd relay.SendMediaCommand) error {
	if cmd.To == "" || cmd.FilePath == "" {
		return fmt.Errorf("send_media requires to and filePath")
	}
	if c.machine.Current() != status.Ready {
		return fmt.Errorf("session not ready")
	}
	absPath, err := c.uploadPath(cmd.FilePath)
	if err != nil {
		return err
	}

	msgID, ts, err := c.gw.SendMedia(ctx, cmd.To, absPath, cmd.MediaType, cmd.Caption, cmd.IsVoiceMessage)
	if err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	c.touch()

	kind := cmd.MediaType
	if cmd.IsVoiceMessage {
		kind = "audio"
	}
	if kind == "" {
		kind = "document"
	}
	c.publishOwnMessage(&gateway.Message{
		ChatID:    cmd.To,
		MessageID: msgID,
		Body:      cmd.Caption,
		Kind:      kind,
		MediaName: filepath.Base(absPath),
		IsFromMe:  true,
		Timestamp: ts,
	})

	// Uploads are transient; give subscribers a while to fetch them.
	c.files.ScheduleCleanup(absPath, time.Hour)
	return nil
}

// uploadPath maps a /uploads/ serve path to its file on disk, rejecting
// anything that escapes the uploads directory.
func (c *Controller) uploadPath(servePath string) (string, error) {
	name := strings.TrimPrefix(servePath, "/uploads/")
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid file path %q", servePath)
	}
	return filepath.Join(c.uploadsDir, name), nil
}

// StartChat opens (or reopens) a conversation with the given phone number.
func (c *Controller) StartChat(ctx context.Context, number string) error {
	digits := contacts.NumberFromID(number)
	if len(digits) < 8 {
		return fmt.Errorf("invalid phone number %q", number)
	}
	sessionID := c.SessionID()
	if sessionID == "" {
		return fmt.Errorf("no active session")
	}

	chatID := digits + "@s.whatsapp.net"
	profile := c.names.Resolve(ctx, chatID, "")
	chat := &store.Chat{
		ID:          chatID,
		SessionID:   sessionID,
		Name:        profile.Name,
		DisplayName: profile.Name,
		Number:      profile.Number,
		About:       profile.About,
		Pic:         profile.Avatar,
	}
	if err := c.db.UpsertChat(chat); err != nil {
		return fmt.Errorf("persist chat: %w", err)
	}

	fresh, err := c.db.GetChat(chatID, sessionID)
	if err != nil {
		return fmt.Errorf("read back chat: %w", err)
	}
	c.bus.Publish(bus.Now("chat.started", fresh))
	return nil
}

// RestoreSession answers a subscriber's remembered session ID. A match with
// the active session replays current state; anything else means the session
// is gone and the subscriber has to follow the ongoing pairing flow.
func (c *Controller) RestoreSession(_ context.Context, sessionID string) ([]relay.Frame, error) {
	if sessionID == c.SessionID() {
		return c.Snapshot(), nil
	}
	if s, err := c.db.GetSession(sessionID); err == nil && s != nil {
		// Known but not active: superseded by a newer login.
		return nil, fmt.Errorf("session %s is no longer active", sessionID)
	}
	return nil, fmt.Errorf("unknown or expired session %s", sessionID)
}

// Chats lists the active session's conversations, most recent first.
func (c *Controller) Chats() (any, error) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil, fmt.Errorf("no active session")
	}
	chats, err := c.db.ListChats(sessionID, c.cfg.ChatPageSize)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// Messages returns one chat's recent window in chronological order and
// marks the chat read.
func (c *Controller) Messages(chatID string) (any, error) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil, fmt.Errorf("no active session")
	}
	msgs, err := c.db.ListMessages(chatID, sessionID, c.cfg.MessagePageSize)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	// Opening a chat counts as reading it.
	if err := c.db.ResetUnread(chatID, sessionID); err != nil {
		c.logger.Warn("reset unread failed", zap.Error(err))
	}
	return msgs, nil
}

// Snapshot replays current session state for a freshly connected subscriber.
func (c *Controller) Snapshot() []relay.Frame {
	c.mu.Lock()
	sessionID, lastQR, profile := c.session, c.lastQR, c.profile
	c.mu.Unlock()

	switch c.machine.Current() {
	case status.Ready:
		frames := []relay.Frame{{Event: relay.EventReady, Data: map[string]string{"session_id": sessionID}}}
		if profile != nil {
			frames = append(frames, relay.Frame{Event: relay.EventUserInfo, Data: userInfo(sessionID, *profile)})
		}
		return frames
	case status.AwaitingScan:
		if lastQR != "" {
			return []relay.Frame{{Event: relay.EventQR, Data: map[string]string{
				"qr": lastQR, "session_id": sessionID,
			}}}
		}
	}
	return []relay.Frame{{Event: relay.EventWaiting, Data: map[string]string{"session_id": sessionID}}}
}

// Phase reports the current lifecycle phase for the status endpoint.
func (c *Controller) Phase() status.Phase {
	return c.machine.Current()
}

// SessionID returns the active session's ID, "" before initialization.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) setSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

func (c *Controller) touch() {
	if id := c.SessionID(); id != "" {
		if err := c.db.TouchSession(id); err != nil {
			c.logger.Warn("touch session failed", zap.Error(err))
		}
	}
}

func (c *Controller) publishOwnMessage(msg *gateway.Message) {
	c.bus.Publish(bus.Now("wa.message", gateway.Envelope{
		SessionID: c.SessionID(), Message: msg,
	}))
}

func userInfo(sessionID string, p store.UserProfile) map[string]string {
	return map[string]string{
		"session_id": sessionID,
		"name":       p.Name,
		"number":     p.Number,
		"avatar":     p.Avatar,
	}
}

// qrDataURL renders a pairing code as an inline PNG usable directly as an
// <img> source.
func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("encode QR: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
