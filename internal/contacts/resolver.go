// Package contacts turns raw remote-party identifiers into display-ready
// profiles. Resolution never fails: every lookup degrades to best-effort
// fields and all errors are swallowed and logged.
package contacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/P-443/zzapp/internal/gateway"
	"github.com/P-443/zzapp/internal/media"
	"go.uber.org/zap"
)

// Profile is the normalized, always-populated lookup result.
type Profile struct {
	Name    string
	Number  string
	About   string
	Avatar  string // serve path under /avatars/, empty when unavailable
	IsGroup bool
}

// Directory is the slice of the gateway capability the resolver needs.
type Directory interface {
	LookupContact(ctx context.Context, id string) (gateway.Contact, error)
	ProfilePictureURL(ctx context.Context, id string) (string, error)
}

// Resolver resolves contact profiles through the gateway with a local
// avatar cache.
type Resolver struct {
	gw         Directory
	avatarsDir string
	media      *media.Materializer
	logger     *zap.Logger
	httpClient *http.Client

	// failed remembers identifiers whose avatar fetch was rejected so we
	// don't hammer the network on every message.
	mu     sync.Mutex
	failed map[string]bool
}

// NewResolver creates a resolver caching avatars under avatarsDir.
func NewResolver(gw Directory, avatarsDir string, m *media.Materializer, logger *zap.Logger) *Resolver {
	return &Resolver{
		gw:         gw,
		avatarsDir: avatarsDir,
		media:      m,
		logger:     logger,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		failed:     make(map[string]bool),
	}
}

// Resolve returns a best-effort profile for the identifier. pushName, when
// known from the triggering event, wins over a failed lookup.
func (r *Resolver) Resolve(ctx context.Context, id, pushName string) Profile {
	p := Profile{
		Name:    pushName,
		Number:  NumberFromID(id),
		IsGroup: strings.HasSuffix(id, "@g.us"),
	}

	c, err := r.gw.LookupContact(ctx, id)
	if err != nil {
		r.logger.Warn("contact lookup failed", zap.String("id", id), zap.Error(err))
	} else {
		if c.Name != "" {
			p.Name = c.Name
		}
		if c.Number != "" {
			p.Number = c.Number
		}
		p.About = c.About
		p.IsGroup = p.IsGroup || c.IsGroup
	}

	if p.Name == "" {
		p.Name = p.Number
	}
	p.Avatar = r.Avatar(ctx, id)
	return p
}

// Avatar returns the serve path of the identifier's avatar, fetching and
// caching it on first use. Returns "" on any failure.
func (r *Resolver) Avatar(ctx context.Context, id string) string {
	filename := avatarFilename(id)
	cachePath := filepath.Join(r.avatarsDir, filename)
	if _, err := os.Stat(cachePath); err == nil {
		return "/avatars/" + filename
	}

	r.mu.Lock()
	skip := r.failed[id]
	r.mu.Unlock()
	if skip {
		return ""
	}

	url, err := r.gw.ProfilePictureURL(ctx, id)
	if err != nil || url == "" {
		if err != nil {
			r.markFailed(id)
			r.logger.Warn("avatar lookup failed", zap.String("id", id), zap.Error(err))
		}
		return ""
	}

	data, err := r.fetch(ctx, url)
	if err != nil {
		r.markFailed(id)
		r.logger.Warn("avatar download failed", zap.String("id", id), zap.Error(err))
		return ""
	}
	if compressed, ok := r.media.Compress(data); ok {
		data = compressed
	}
	if err := os.WriteFile(cachePath, data, 0600); err != nil {
		r.logger.Warn("avatar cache write failed", zap.String("id", id), zap.Error(err))
		return ""
	}
	return "/avatars/" + filename
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

func (r *Resolver) markFailed(id string) {
	r.mu.Lock()
	r.failed[id] = true
	r.mu.Unlock()
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.code)
}

// NumberFromID extracts the phone digits from a protocol identifier,
// e.g. "201234567890@s.whatsapp.net" -> "201234567890".
func NumberFromID(id string) string {
	user, _, _ := strings.Cut(id, "@")
	var digits strings.Builder
	for _, r := range user {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String()
}

func avatarFilename(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:]) + ".jpg"
}
