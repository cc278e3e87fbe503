package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/P-443/zzapp/internal/bus"
	"github.com/P-443/zzapp/internal/contacts"
	"github.com/P-443/zzapp/internal/gateway"
	"github.com/P-443/zzapp/internal/media"
	"github.com/P-443/zzapp/internal/store"
)

type fakeDirectory struct {
	contact gateway.Contact
}

func (f *fakeDirectory) LookupContact(_ context.Context, _ string) (gateway.Contact, error) {
	return f.contact, nil
}

func (f *fakeDirectory) ProfilePictureURL(_ context.Context, _ string) (string, error) {
	return "", nil
}

type fakeDownloader struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeDownloader) DownloadMedia(_ context.Context, _ any) ([]byte, error) {
	f.calls++
	return f.data, f.err
}

type harness struct {
	bus      *bus.Bus
	db       *store.DB
	pipeline *Pipeline
	dl       *fakeDownloader
	chats    <-chan bus.Event
	messages <-chan bus.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "app.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.CreateSession("sess-1"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for _, sub := range []string{"uploads", "downloads", "avatars"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}

	logger := zap.NewNop()
	files := media.New(filepath.Join(dir, "uploads"), filepath.Join(dir, "downloads"), logger)
	resolver := contacts.NewResolver(
		&fakeDirectory{contact: gateway.Contact{Name: "Alice", Number: "5511999990000"}},
		filepath.Join(dir, "avatars"), files, logger)

	b := bus.New()
	dl := &fakeDownloader{}
	p := New(b, db, resolver, files, dl, logger)

	chats, unsubChats := b.Subscribe("chat.", 16)
	msgs, unsubMsgs := b.Subscribe("message.", 16)
	t.Cleanup(unsubChats)
	t.Cleanup(unsubMsgs)

	p.Start()
	t.Cleanup(p.Stop)

	return &harness{bus: b, db: db, pipeline: p, dl: dl, chats: chats, messages: msgs}
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

func inbound(id, body string) gateway.Envelope {
	return gateway.Envelope{
		SessionID: "sess-1",
		Message: &gateway.Message{
			ChatID:     "5511999990000@s.whatsapp.net",
			MessageID:  id,
			SenderID:   "5511999990000@s.whatsapp.net",
			SenderName: "Alice",
			Body:       body,
			Kind:       "text",
			Timestamp:  time.Now().UnixMilli(),
		},
	}
}

func TestInboundMessagePersistedAndRelayed(t *testing.T) {
	h := newHarness(t)

	h.bus.Publish(bus.Now("wa.message", inbound("MSG-1", "hello")))

	evt := waitEvent(t, h.messages, "message.new")
	rec := evt.Payload.(*store.Message)
	if rec.Content != "hello" || rec.SessionID != "sess-1" {
		t.Errorf("relayed message = %+v", rec)
	}

	chatEvt := waitEvent(t, h.chats, "chat.updated")
	chat := chatEvt.Payload.(*store.Chat)
	if chat.Name != "Alice" {
		t.Errorf("chat name = %q, want Alice", chat.Name)
	}
	if chat.UnreadCount != 1 || chat.MessageCount != 1 {
		t.Errorf("counters = unread %d total %d, want 1/1", chat.UnreadCount, chat.MessageCount)
	}
	if chat.LastMessage != "hello" {
		t.Errorf("last message = %q", chat.LastMessage)
	}

	stored, err := h.db.GetMessage("MSG-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.SenderNumber != "5511999990000" {
		t.Errorf("sender number = %q", stored.SenderNumber)
	}
}

func TestDuplicateDeliveryIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.bus.Publish(bus.Now("wa.message", inbound("MSG-1", "hello")))
	waitEvent(t, h.messages, "message.new")

	h.bus.Publish(bus.Now("wa.message", inbound("MSG-1", "hello")))
	h.bus.Publish(bus.Now("wa.message", inbound("MSG-2", "second")))

	// MSG-2 arriving proves MSG-1's redelivery was fully processed first.
	evt := waitEvent(t, h.messages, "message.new")
	if rec := evt.Payload.(*store.Message); rec.MessageID != "MSG-2" {
		t.Fatalf("expected MSG-2 next, got %s", rec.MessageID)
	}

	chat, err := h.db.GetChat("5511999990000@s.whatsapp.net", "sess-1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.MessageCount != 2 || chat.UnreadCount != 2 {
		t.Errorf("counters = total %d unread %d, want 2/2", chat.MessageCount, chat.UnreadCount)
	}
}

func TestOwnMessageDoesNotBumpUnread(t *testing.T) {
	h := newHarness(t)

	env := inbound("MSG-1", "from me")
	env.Message.IsFromMe = true
	h.bus.Publish(bus.Now("wa.message", env))
	waitEvent(t, h.messages, "message.new")

	chat, err := h.db.GetChat("5511999990000@s.whatsapp.net", "sess-1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", chat.UnreadCount)
	}
	if chat.MessageCount != 1 {
		t.Errorf("total = %d, want 1", chat.MessageCount)
	}
}

func TestReceiptUpdatesAckAndRelays(t *testing.T) {
	h := newHarness(t)

	h.bus.Publish(bus.Now("wa.message", inbound("MSG-1", "hello")))
	waitEvent(t, h.messages, "message.new")

	h.bus.Publish(bus.Now("wa.receipt", gateway.Envelope{
		SessionID: "sess-1",
		Receipt: &gateway.Receipt{
			ChatID:     "5511999990000@s.whatsapp.net",
			MessageIDs: []string{"MSG-1"},
			Delivered:  true,
			Read:       true,
		},
	}))

	evt := waitEvent(t, h.messages, "message.status")
	ack := evt.Payload.(store.AckUpdate)
	if ack.MessageID != "MSG-1" || !ack.Delivered || !ack.Read {
		t.Errorf("ack = %+v", ack)
	}

	stored, err := h.db.GetMessage("MSG-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !stored.Delivered || !stored.ReadReceipt {
		t.Errorf("flags = delivered %v read %v", stored.Delivered, stored.ReadReceipt)
	}
}

func TestMediaMessageMaterialized(t *testing.T) {
	h := newHarness(t)
	h.dl.data = []byte("fake-image-bytes")

	env := inbound("MSG-1", "caption")
	env.Message.Kind = "image"
	env.Message.MediaRef = struct{}{}
	env.Message.MediaExt = ".jpg"
	h.bus.Publish(bus.Now("wa.message", env))

	evt := waitEvent(t, h.messages, "message.new")
	rec := evt.Payload.(*store.Message)
	if rec.MediaType != "image" {
		t.Errorf("media type = %q", rec.MediaType)
	}
	if !strings.HasPrefix(rec.MediaURL, "/downloads/") {
		t.Errorf("media url = %q, want /downloads/ path", rec.MediaURL)
	}
	if h.dl.calls != 1 {
		t.Errorf("download calls = %d, want 1", h.dl.calls)
	}
}

func TestFailedDownloadStillRelaysMessage(t *testing.T) {
	h := newHarness(t)
	h.dl.err = errors.New("media server unavailable")

	env := inbound("MSG-1", "caption")
	env.Message.Kind = "image"
	env.Message.MediaRef = struct{}{}
	h.bus.Publish(bus.Now("wa.message", env))

	evt := waitEvent(t, h.messages, "message.new")
	rec := evt.Payload.(*store.Message)
	if rec.MediaURL != "" {
		t.Errorf("media url = %q, want empty after failed download", rec.MediaURL)
	}
	if rec.Content != "caption" {
		t.Errorf("content = %q", rec.Content)
	}
}
