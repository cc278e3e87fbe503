package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

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

type fakeGateway struct {
	mu         sync.Mutex
	loggedIn   bool
	connects   int
	connectErr error
	logouts    int
	qr         chan gateway.QREvent
	handler    func(any)
	sentTexts  []string
	name       string
	number     string
}

func (f *fakeGateway) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeGateway) Disconnect() {}

func (f *fakeGateway) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.loggedIn = false
	return nil
}

func (f *fakeGateway) LoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeGateway) StartQR(context.Context) (<-chan gateway.QREvent, error) {
	return f.qr, nil
}

func (f *fakeGateway) SendText(_ context.Context, to, text string) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return "SRV-MSG-1", time.Now().UnixMilli(), nil
}

func (f *fakeGateway) SendMedia(_ context.Context, to, filePath, mediaType, caption string, voice bool) (string, int64, error) {
	return "SRV-MEDIA-1", time.Now().UnixMilli(), nil
}

func (f *fakeGateway) LookupContact(_ context.Context, id string) (gateway.Contact, error) {
	return gateway.Contact{Name: "Bob", Number: contacts.NumberFromID(id)}, nil
}

func (f *fakeGateway) ProfilePictureURL(context.Context, string) (string, error) {
	return "", errors.New("no picture")
}

func (f *fakeGateway) DownloadMedia(context.Context, any) ([]byte, error) {
	return nil, errors.New("no media")
}

func (f *fakeGateway) Self() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, f.number
}

func (f *fakeGateway) SetHandler(h func(any)) { f.handler = h }

func (f *fakeGateway) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type harness struct {
	gw      *fakeGateway
	ctrl    *Controller
	bus     *bus.Bus
	machine *status.Machine
	db      *store.DB
	events  <-chan bus.Event
}

func newHarness(t *testing.T, gw *fakeGateway) *harness {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"uploads", "downloads", "avatars"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	db, err := store.Open(filepath.Join(dir, "app.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	files := media.New(filepath.Join(dir, "uploads"), filepath.Join(dir, "downloads"), logger)
	resolver := contacts.NewResolver(gw, filepath.Join(dir, "avatars"), files, logger)

	cfg := config.Default()
	cfg.Retry.BaseMS = 10
	cfg.Retry.CapMS = 40
	cfg.Retry.LongRetryMS = 40

	ctrl := New(gw, machine, b, db, files, resolver, cfg, filepath.Join(dir, "uploads"), logger)
	gw.SetHandler(ctrl.HandleGatewayEvent)

	events, unsub := b.Subscribe("session.", 64)
	t.Cleanup(unsub)

	return &harness{gw: gw, ctrl: ctrl, bus: b, machine: machine, db: db, events: events}
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func waitPhase(t *testing.T, m *status.Machine, want status.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", m.Current(), want)
}

func TestFreshLoginFlow(t *testing.T) {
	gw := &fakeGateway{qr: make(chan gateway.QREvent, 4), name: "Me", number: "5511988887777"}
	h := newHarness(t, gw)

	go h.ctrl.Initialize()
	waitEvent(t, h.events, "session.waiting")
	waitPhase(t, h.machine, status.AwaitingScan)

	gw.qr <- gateway.QREvent{Kind: gateway.QRCode, Code: "pairing-code"}
	qrEvt := waitEvent(t, h.events, "session.qr")
	qrData := qrEvt.Payload.(map[string]string)
	if !strings.HasPrefix(qrData["qr"], "data:image/png;base64,") {
		t.Errorf("qr payload = %.40q, want PNG data URL", qrData["qr"])
	}
	if qrData["session_id"] != h.ctrl.SessionID() {
		t.Errorf("qr session = %q", qrData["session_id"])
	}

	gw.qr <- gateway.QREvent{Kind: gateway.QRSuccess}
	waitPhase(t, h.machine, status.Authenticated)

	gw.handler(&gateway.Connected{})
	waitEvent(t, h.events, "session.ready")
	info := waitEvent(t, h.events, "session.user_info").Payload.(map[string]string)
	if info["name"] != "Me" || info["number"] != "5511988887777" {
		t.Errorf("user info = %v", info)
	}
	if h.machine.Current() != status.Ready {
		t.Errorf("phase = %s", h.machine.Current())
	}

	sess, err := h.db.GetSession(h.ctrl.SessionID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.UserNumber != "5511988887777" {
		t.Errorf("persisted number = %q", sess.UserNumber)
	}
}

func TestRestoreRecentSession(t *testing.T) {
	gw := &fakeGateway{loggedIn: true, name: "Me", number: "5511988887777"}
	h := newHarness(t, gw)

	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	h.ctrl.Initialize()
	waitEvent(t, h.events, "session.restored")
	if h.ctrl.SessionID() != "previous-session" {
		t.Errorf("session = %q, want previous-session", h.ctrl.SessionID())
	}
	if gw.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", gw.connectCount())
	}

	gw.handler(&gateway.Connected{})
	waitEvent(t, h.events, "session.ready")
}

func TestStaleSessionKeepsCredentialsUnderNewID(t *testing.T) {
	// Logged in at the protocol level but no session row inside the restore
	// window: the login is kept, the session identity is new.
	gw := &fakeGateway{loggedIn: true, name: "Me", number: "5511988887777"}
	h := newHarness(t, gw)

	h.ctrl.Initialize()
	evt := waitEvent(t, h.events, "session.restored")
	restored := evt.Payload.(map[string]string)["session_id"]
	if restored == "" || restored != h.ctrl.SessionID() {
		t.Errorf("restored session = %q, controller session = %q", restored, h.ctrl.SessionID())
	}
	if gw.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", gw.connectCount())
	}

	gw.handler(&gateway.Connected{})
	waitEvent(t, h.events, "session.ready")
}

func TestOverlappingInitializeCollapses(t *testing.T) {
	gw := &fakeGateway{qr: make(chan gateway.QREvent)}
	h := newHarness(t, gw)

	go h.ctrl.Initialize()
	waitEvent(t, h.events, "session.waiting")

	first := h.ctrl.SessionID()

	// Second call must observe the in-flight pairing and back off without
	// starting another session.
	h.ctrl.Initialize()

	if got := h.ctrl.SessionID(); got != first {
		t.Errorf("session changed from %q to %q", first, got)
	}
	if h.machine.Current() != status.AwaitingScan {
		t.Errorf("phase = %s, want AWAITING_SCAN", h.machine.Current())
	}
	close(gw.qr)
}

func TestDisconnectRetriesAndRecovers(t *testing.T) {
	gw := &fakeGateway{loggedIn: true}
	h := newHarness(t, gw)
	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	h.ctrl.Initialize()
	gw.handler(&gateway.Connected{})
	waitEvent(t, h.events, "session.ready")
	base := gw.connectCount()

	gw.handler(&gateway.Disconnected{})
	waitPhase(t, h.machine, status.Retrying)

	gw.handler(&gateway.Connected{})
	waitPhase(t, h.machine, status.Ready)
	if gw.connectCount() <= base {
		t.Errorf("expected reconnect attempts, connects = %d", gw.connectCount())
	}
}

func TestRapidDisconnectsSupersedeOlderRetries(t *testing.T) {
	gw := &fakeGateway{loggedIn: true, connectErr: errors.New("still down")}
	h := newHarness(t, gw)
	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	h.ctrl.Initialize()
	gw.handler(&gateway.Connected{})
	waitEvent(t, h.events, "session.ready")

	gw.handler(&gateway.Disconnected{})
	waitPhase(t, h.machine, status.Disconnected)
	gen1 := h.ctrl.retryGen.Load()

	// A second disconnect arriving while already disconnected supersedes the
	// first retry loop instead of stacking a second one.
	gw.handler(&gateway.Disconnected{})
	if h.ctrl.retryGen.Load() == gen1 {
		t.Error("second disconnect must supersede the first retry generation")
	}

	// Let the surviving loop run a few failing attempts, then recover.
	time.Sleep(100 * time.Millisecond)
	gw.mu.Lock()
	gw.connectErr = nil
	gw.mu.Unlock()
	waitPhase(t, h.machine, status.Retrying)
	gw.handler(&gateway.Connected{})
	waitPhase(t, h.machine, status.Ready)
}

func TestSendTextFeedsIngestPipeline(t *testing.T) {
	gw := &fakeGateway{loggedIn: true}
	h := newHarness(t, gw)
	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	outbound, unsub := h.bus.Subscribe("wa.", 16)
	defer unsub()

	h.ctrl.Initialize()
	gw.handler(&gateway.Connected{})
	waitEvent(t, h.events, "session.ready")

	if err := h.ctrl.SendText(context.Background(), "5511999990000@s.whatsapp.net", "hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}

	evt := waitEvent(t, outbound, "wa.message")
	env := evt.Payload.(gateway.Envelope)
	if env.SessionID != "previous-session" {
		t.Errorf("envelope session = %q", env.SessionID)
	}
	if !env.Message.IsFromMe || env.Message.Body != "hello" {
		t.Errorf("envelope message = %+v", env.Message)
	}
	if env.Message.MessageID != "SRV-MSG-1" {
		t.Errorf("message id = %q, want server-assigned id", env.Message.MessageID)
	}
}

func TestSendTextRejectedWhenNotReady(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, gw)

	err := h.ctrl.SendText(context.Background(), "5511999990000@s.whatsapp.net", "hello")
	if err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Errorf("err = %v, want not-ready rejection", err)
	}
}

func TestSendMediaRejectsPathTraversal(t *testing.T) {
	gw := &fakeGateway{loggedIn: true}
	h := newHarness(t, gw)
	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	h.ctrl.Initialize()
	gw.handler(&gateway.Connected{})
	waitEvent(t, h.events, "session.ready")

	err := h.ctrl.SendMedia(context.Background(), relay.SendMediaCommand{
		To:       "5511999990000@s.whatsapp.net",
		FilePath: "/uploads/../../etc/passwd",
	})
	if err == nil || !strings.Contains(err.Error(), "invalid file path") {
		t.Errorf("err = %v, want path rejection", err)
	}
}

func TestStartChatPersistsAndAnnounces(t *testing.T) {
	gw := &fakeGateway{loggedIn: true}
	h := newHarness(t, gw)
	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	chatEvents, unsub := h.bus.Subscribe("chat.", 16)
	defer unsub()

	h.ctrl.Initialize()
	if err := h.ctrl.StartChat(context.Background(), "+55 (11) 99999-0000"); err != nil {
		t.Fatalf("start chat: %v", err)
	}

	evt := waitEvent(t, chatEvents, "chat.started")
	chat := evt.Payload.(*store.Chat)
	if chat.ID != "5511999990000@s.whatsapp.net" {
		t.Errorf("chat id = %q", chat.ID)
	}
	if chat.Name != "Bob" {
		t.Errorf("chat name = %q, want resolved Bob", chat.Name)
	}
}

func TestStartChatRejectsShortNumber(t *testing.T) {
	gw := &fakeGateway{loggedIn: true}
	h := newHarness(t, gw)
	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	h.ctrl.Initialize()

	if err := h.ctrl.StartChat(context.Background(), "12345"); err == nil {
		t.Error("short numbers must be rejected")
	}
}

func TestMessagesResetsUnread(t *testing.T) {
	gw := &fakeGateway{loggedIn: true}
	h := newHarness(t, gw)
	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.ctrl.Initialize()

	chatID := "5511999990000@s.whatsapp.net"
	if err := h.db.UpsertChat(&store.Chat{ID: chatID, SessionID: "previous-session"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if err := h.db.BumpChatCounters(chatID, "previous-session", false, "hi", time.Now().UnixMilli()); err != nil {
		t.Fatalf("bump: %v", err)
	}

	if _, err := h.ctrl.Messages(chatID); err != nil {
		t.Fatalf("messages: %v", err)
	}
	chat, err := h.db.GetChat(chatID, "previous-session")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 after opening chat", chat.UnreadCount)
	}
}

func TestLogoutCascadesAndStartsOver(t *testing.T) {
	gw := &fakeGateway{loggedIn: true, qr: make(chan gateway.QREvent, 1)}
	h := newHarness(t, gw)
	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.ctrl.Initialize()
	gw.handler(&gateway.Connected{})
	waitEvent(t, h.events, "session.ready")

	chatID := "5511999990000@s.whatsapp.net"
	if err := h.db.UpsertChat(&store.Chat{ID: chatID, SessionID: "previous-session"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	if err := h.ctrl.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	waitEvent(t, h.events, "session.logged_out")

	if gw.logouts != 1 {
		t.Errorf("gateway logouts = %d", gw.logouts)
	}
	if s, _ := h.db.GetSession("previous-session"); s != nil {
		t.Error("session row must be deleted on logout")
	}
	if c, _ := h.db.GetChat(chatID, "previous-session"); c != nil {
		t.Error("chat rows must cascade on logout")
	}

	// Credentials are gone, so the follow-up cycle is a fresh pairing.
	waitEvent(t, h.events, "session.waiting")
	close(gw.qr)
}

func TestSnapshotReflectsPhase(t *testing.T) {
	gw := &fakeGateway{loggedIn: true, name: "Me", number: "5511988887777"}
	h := newHarness(t, gw)
	if err := h.db.CreateSession("previous-session"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	frames := h.ctrl.Snapshot()
	if len(frames) != 1 || frames[0].Event != relay.EventWaiting {
		t.Errorf("pre-init snapshot = %+v", frames)
	}

	h.ctrl.Initialize()
	gw.handler(&gateway.Connected{})
	waitEvent(t, h.events, "session.ready")
	waitEvent(t, h.events, "session.user_info")

	frames = h.ctrl.Snapshot()
	if len(frames) != 2 || frames[0].Event != relay.EventReady || frames[1].Event != relay.EventUserInfo {
		t.Errorf("ready snapshot = %+v", frames)
	}
}
