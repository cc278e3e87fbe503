// Package wa implements the gateway capability on top of whatsmeow.
package wa

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/P-443/zzapp/internal/gateway"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Client wraps the whatsmeow client behind the gateway interface.
type Client struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
}

var _ gateway.Gateway = (*Client)(nil)

// NewClient creates a whatsmeow-backed gateway whose credential store lives
// at dbPath.
func NewClient(ctx context.Context, dbPath string, logger *zap.Logger) (*Client, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("zzapp", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), nil)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	return &Client{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		logger:    logger,
	}, nil
}

// LoggedIn reports whether stored credentials exist.
func (c *Client) LoggedIn() bool {
	return c.client.Store.ID != nil
}

// Connect dials with stored credentials.
func (c *Client) Connect(_ context.Context) error {
	c.logger.Info("connecting to WhatsApp")
	return c.client.Connect()
}

// Disconnect terminates the connection.
func (c *Client) Disconnect() {
	c.logger.Info("disconnecting from WhatsApp")
	c.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (c *Client) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// SetHandler registers the event sink, translating whatsmeow events to
// gateway events.
func (c *Client) SetHandler(handler func(evt any)) {
	c.client.AddEventHandler(func(raw any) {
		if evt := translate(raw); evt != nil {
			handler(evt)
		}
	})
}

// StartQR begins the pairing flow. GetQRChannel must run before Connect.
func (c *Client) StartQR(ctx context.Context) (<-chan gateway.QREvent, error) {
	if c.LoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}

	out := make(chan gateway.QREvent, 10)
	go func() {
		defer close(out)

		if err := c.client.Connect(); err != nil {
			out <- gateway.QREvent{Kind: gateway.QRError, Err: err}
			return
		}

		for item := range qrChan {
			switch item.Event {
			case "code":
				out <- gateway.QREvent{Kind: gateway.QRCode, Code: item.Code}
			case "success":
				out <- gateway.QREvent{Kind: gateway.QRSuccess}
				return
			case "timeout":
				out <- gateway.QREvent{Kind: gateway.QRTimeout}
				return
			default:
				if item.Error != nil {
					out <- gateway.QREvent{Kind: gateway.QRError, Err: item.Error}
					return
				}
			}
		}
	}()
	return out, nil
}

// SendText sends a text message. Returns the server message ID and timestamp.
func (c *Client) SendText(ctx context.Context, to, text string) (string, int64, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", 0, fmt.Errorf("parse JID: %w", err)
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", 0, fmt.Errorf("send message: %w", err)
	}
	return resp.ID, resp.Timestamp.UnixMilli(), nil
}

// SendMedia uploads the file at filePath and sends it as the given media
// type. voice marks an audio message as a push-to-talk voice note.
func (c *Client) SendMedia(ctx context.Context, to, filePath, mediaType, caption string, voice bool) (string, int64, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", 0, fmt.Errorf("parse JID: %w", err)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("read media file: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(filePath))
	uploadType, kind := uploadKind(mediaType, mimeType)
	if voice {
		mimeType = "audio/ogg; codecs=opus"
		uploadType = whatsmeow.MediaAudio
		kind = "audio"
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	uploaded, err := c.client.Upload(ctx, data, uploadType)
	if err != nil {
		return "", 0, fmt.Errorf("upload media: %w", err)
	}

	msg := buildMediaMessage(kind, mimeType, caption, filepath.Base(filePath), voice, data, &uploaded)
	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", 0, fmt.Errorf("send media: %w", err)
	}
	return resp.ID, resp.Timestamp.UnixMilli(), nil
}

// LookupContact queries the device store and server for contact details.
func (c *Client) LookupContact(ctx context.Context, id string) (gateway.Contact, error) {
	jid, err := types.ParseJID(id)
	if err != nil {
		return gateway.Contact{}, fmt.Errorf("parse JID: %w", err)
	}

	if jid.Server == types.GroupServer {
		info, err := c.client.GetGroupInfo(ctx, jid)
		if err != nil {
			return gateway.Contact{}, fmt.Errorf("group info: %w", err)
		}
		return gateway.Contact{Name: info.Name, About: info.Topic, IsGroup: true}, nil
	}

	out := gateway.Contact{Number: jid.User}
	info, err := c.client.Store.Contacts.GetContact(ctx, jid)
	if err == nil && info.Found {
		if info.FullName != "" {
			out.Name = info.FullName
		} else {
			out.Name = info.PushName
		}
	}

	// About text requires a server round trip; best effort.
	if users, err := c.client.GetUserInfo(ctx, []types.JID{jid}); err == nil {
		if ui, ok := users[jid]; ok {
			out.About = ui.Status
		}
	}
	return out, nil
}

// ProfilePictureURL returns the full-size avatar URL, or "" when unset.
func (c *Client) ProfilePictureURL(ctx context.Context, id string) (string, error) {
	jid, err := types.ParseJID(id)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	pic, err := c.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		return "", fmt.Errorf("profile picture info: %w", err)
	}
	if pic == nil {
		return "", nil
	}
	return pic.URL, nil
}

// DownloadMedia fetches the attachment bytes for a message previously
// delivered through the event stream.
func (c *Client) DownloadMedia(ctx context.Context, ref any) ([]byte, error) {
	msg, ok := ref.(*waE2E.Message)
	if !ok || msg == nil {
		return nil, fmt.Errorf("unsupported media ref %T", ref)
	}
	dl := downloadable(msg)
	if dl == nil {
		return nil, fmt.Errorf("message carries no downloadable media")
	}
	data, err := c.client.Download(ctx, dl)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

// Self returns the authenticated user's push name and phone number.
func (c *Client) Self() (string, string) {
	if c.client.Store.ID == nil {
		return "", ""
	}
	return c.client.Store.PushName, c.client.Store.ID.User
}

func uploadKind(mediaType, mimeType string) (whatsmeow.MediaType, string) {
	switch mediaType {
	case "image":
		return whatsmeow.MediaImage, "image"
	case "video":
		return whatsmeow.MediaVideo, "video"
	case "audio":
		return whatsmeow.MediaAudio, "audio"
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage, "image"
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo, "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio, "audio"
	}
	return whatsmeow.MediaDocument, "document"
}

func buildMediaMessage(kind, mimeType, caption, fileName string, voice bool, data []byte, up *whatsmeow.UploadResponse) *waE2E.Message {
	length := uint64(len(data))
	switch kind {
	case "image":
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			Mimetype:      &mimeType,
			Caption:       proto.String(caption),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			FileLength:    &length,
			MediaKey:      up.MediaKey,
		}}
	case "video":
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			Mimetype:      &mimeType,
			Caption:       proto.String(caption),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			FileLength:    &length,
			MediaKey:      up.MediaKey,
		}}
	case "audio":
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			Mimetype:      &mimeType,
			PTT:           proto.Bool(voice),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			FileLength:    &length,
			MediaKey:      up.MediaKey,
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			Mimetype:      &mimeType,
			FileName:      &fileName,
			Caption:       proto.String(caption),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			FileLength:    &length,
			MediaKey:      up.MediaKey,
		}}
	}
}
