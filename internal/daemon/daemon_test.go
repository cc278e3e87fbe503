package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/P-443/zzapp/internal/bus"
	"github.com/P-443/zzapp/internal/config"
	"github.com/P-443/zzapp/internal/contacts"
	"github.com/P-443/zzapp/internal/controller"
	"github.com/P-443/zzapp/internal/gateway"
	"github.com/P-443/zzapp/internal/ingest"
	"github.com/P-443/zzapp/internal/lock"
	"github.com/P-443/zzapp/internal/media"
	"github.com/P-443/zzapp/internal/paths"
	"github.com/P-443/zzapp/internal/relay"
	"github.com/P-443/zzapp/internal/status"
	"github.com/P-443/zzapp/internal/store"
	"github.com/P-443/zzapp/internal/web"
)

// stubGateway stands in for the protocol client so the daemon stack can be
// assembled without network access.
type stubGateway struct {
	handler func(any)
}

func (s *stubGateway) Connect(context.Context) error { return nil }
func (s *stubGateway) Disconnect()                   {}
func (s *stubGateway) Logout(context.Context) error  { return nil }
func (s *stubGateway) LoggedIn() bool                { return true }

func (s *stubGateway) StartQR(context.Context) (<-chan gateway.QREvent, error) {
	return nil, errors.New("not supported")
}

func (s *stubGateway) SendText(context.Context, string, string) (string, int64, error) {
	return "MSG", time.Now().UnixMilli(), nil
}

func (s *stubGateway) SendMedia(context.Context, string, string, string, string, bool) (string, int64, error) {
	return "MSG", time.Now().UnixMilli(), nil
}

func (s *stubGateway) LookupContact(context.Context, string) (gateway.Contact, error) {
	return gateway.Contact{}, nil
}

func (s *stubGateway) ProfilePictureURL(context.Context, string) (string, error) {
	return "", nil
}

func (s *stubGateway) DownloadMedia(context.Context, any) ([]byte, error) {
	return nil, errors.New("no media")
}

func (s *stubGateway) Self() (string, string) { return "Test", "5511988887777" }
func (s *stubGateway) SetHandler(h func(any)) { s.handler = h }

func TestDaemonLifecycle(t *testing.T) {
	layout := paths.Layout{Root: t.TempDir()}
	if err := layout.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(layout.Root)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(layout.AppDBPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateSession("previous-session"); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	files := media.New(layout.UploadsDir(), layout.DownloadsDir(), logger)
	gw := &stubGateway{}
	names := contacts.NewResolver(gw, layout.AvatarsDir(), files, logger)

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"

	ctrl := controller.New(gw, machine, b, db, files, names, cfg, layout.UploadsDir(), logger)
	pipeline := ingest.New(b, db, names, files, gw, logger)
	hub := relay.NewHub(ctrl, b, logger)
	front := web.NewServer(db, files, hub, ctrl, cfg, layout, logger)

	srv, err := NewServer(cfg, front, logger)
	if err != nil {
		t.Fatal(err)
	}

	pipeline.Start()
	defer pipeline.Stop()
	hub.Start()
	defer hub.Stop()
	gw.SetHandler(ctrl.HandleGatewayEvent)

	go func() {
		if err := srv.Start(); err != nil {
			t.Errorf("server error: %v", err)
		}
	}()
	defer srv.Stop(context.Background())

	ctrl.Initialize()
	gw.handler(&gateway.Connected{})

	deadline := time.Now().Add(2 * time.Second)
	for machine.Current() != status.Ready && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if machine.Current() != status.Ready {
		t.Fatalf("phase = %s, want READY", machine.Current())
	}

	resp, err := http.Get("http://" + srv.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["phase"] != "READY" || got["session_id"] != "previous-session" {
		t.Errorf("status = %v", got)
	}
}

func TestSecondDaemonRejectedByLock(t *testing.T) {
	layout := paths.Layout{Root: t.TempDir()}
	if err := layout.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(layout.Root)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	if _, err := lock.Acquire(layout.Root); err == nil {
		t.Fatal("second lock acquisition must fail")
	}
}
