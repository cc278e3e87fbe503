// Package gateway defines the capability boundary over the WhatsApp
// protocol client. The controller and ingest pipeline depend only on this
// interface; the whatsmeow implementation lives in internal/wa and tests
// substitute an in-memory fake.
package gateway

import "context"

// Message is a normalized protocol message event.
type Message struct {
	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	Body       string
	Kind       string // text, image, video, audio, document, sticker, contact, location, unknown
	MediaRef   any    // opaque handle passed back to DownloadMedia; nil for text
	MediaName  string
	MediaExt   string // preferred file extension for materialized media
	MediaSize  int64
	IsFromMe   bool
	IsGroup    bool
	Timestamp  int64
}

// Receipt is a delivery/read acknowledgment for previously sent messages.
type Receipt struct {
	ChatID     string
	MessageIDs []string
	Delivered  bool
	Read       bool
}

// Events emitted by the gateway's connection lifecycle.
type (
	// Connected reports the transport is up and the session operational.
	Connected struct{}
	// Disconnected reports a transport drop; the controller schedules a retry.
	Disconnected struct{}
	// LoggedOut reports a terminal credential failure (logout on the phone,
	// ban, invalid session). Not retried automatically.
	LoggedOut struct{ Reason string }
)

// Envelope wraps a message or receipt event with its owning session.
type Envelope struct {
	SessionID string
	Message   *Message
	Receipt   *Receipt
}

// QRKind enumerates QR pairing stream events.
type QRKind string

const (
	QRCode    QRKind = "code"
	QRSuccess QRKind = "success"
	QRTimeout QRKind = "timeout"
	QRError   QRKind = "error"
)

// QREvent is one step of the QR pairing flow.
type QREvent struct {
	Kind QRKind
	Code string
	Err  error
}

// Contact is a best-effort lookup result.
type Contact struct {
	Name    string
	Number  string
	About   string
	IsGroup bool
}

// Gateway is the protocol client capability. All blocking calls take a
// context; event delivery happens on the handler registered via SetHandler.
type Gateway interface {
	// Connect dials with stored credentials. The caller must have verified
	// LoggedIn; pairing goes through StartQR instead.
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	LoggedIn() bool

	// StartQR begins the pairing flow and connects. The returned channel
	// closes when pairing concludes one way or the other.
	StartQR(ctx context.Context) (<-chan QREvent, error)

	SendText(ctx context.Context, to, text string) (messageID string, ts int64, err error)
	SendMedia(ctx context.Context, to, filePath, mediaType, caption string, voice bool) (messageID string, ts int64, err error)

	LookupContact(ctx context.Context, id string) (Contact, error)
	ProfilePictureURL(ctx context.Context, id string) (string, error)
	DownloadMedia(ctx context.Context, ref any) ([]byte, error)

	// Self returns the authenticated user's push name and phone number,
	// empty strings when not logged in.
	Self() (name, number string)

	// SetHandler registers the event sink. Must be called before Connect.
	SetHandler(func(evt any))
}
