// Package ingest turns raw gateway traffic into persisted, relayed state.
// A single goroutine drains the wa. namespace so per-chat ordering survives
// the trip through the bus.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/P-443/zzapp/internal/bus"
	"github.com/P-443/zzapp/internal/contacts"
	"github.com/P-443/zzapp/internal/gateway"
	"github.com/P-443/zzapp/internal/media"
	"github.com/P-443/zzapp/internal/store"
)

// Downloader fetches attachment bytes for a previously observed message.
type Downloader interface {
	DownloadMedia(ctx context.Context, ref any) ([]byte, error)
}

// Pipeline persists inbound messages and receipts and republishes them for
// websocket subscribers.
type Pipeline struct {
	bus        *bus.Bus
	db         *store.DB
	resolver   *contacts.Resolver
	files      *media.Materializer
	downloader Downloader
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(b *bus.Bus, db *store.DB, r *contacts.Resolver, files *media.Materializer, dl Downloader, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		bus:        b,
		db:         db,
		resolver:   r,
		files:      files,
		downloader: dl,
		logger:     logger,
	}
}

// Start begins draining gateway events. Call Stop to shut down.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	events, unsub := p.bus.Subscribe("wa.", 256)
	go func() {
		defer close(p.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				env, ok := evt.Payload.(gateway.Envelope)
				if !ok {
					continue
				}
				switch {
				case env.Message != nil:
					p.handleMessage(ctx, env.SessionID, env.Message)
				case env.Receipt != nil:
					p.handleReceipt(env.SessionID, env.Receipt)
				}
			}
		}
	}()
}

// Stop terminates the drain loop and waits for in-flight work.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Pipeline) handleMessage(ctx context.Context, sessionID string, msg *gateway.Message) {
	log := p.logger.With(
		zap.String("session_id", sessionID),
		zap.String("chat_id", msg.ChatID),
		zap.String("message_id", msg.MessageID))

	profile := p.resolver.Resolve(ctx, msg.ChatID, senderHint(msg))

	record := &store.Message{
		MessageID:    msg.MessageID,
		ChatID:       msg.ChatID,
		SessionID:    sessionID,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderNumber: contacts.NumberFromID(msg.SenderID),
		Content:      msg.Body,
		MediaName:    msg.MediaName,
		MediaSize:    msg.MediaSize,
		IsFromMe:     msg.IsFromMe,
		Timestamp:    msg.Timestamp,
	}
	if msg.Kind != "text" {
		record.MediaType = msg.Kind
	}
	if msg.MediaRef != nil {
		record.MediaURL = p.materialize(ctx, msg, log)
	}

	chat := &store.Chat{
		ID:          msg.ChatID,
		SessionID:   sessionID,
		Name:        profile.Name,
		DisplayName: profile.Name,
		Number:      profile.Number,
		About:       profile.About,
		Pic:         profile.Avatar,
		IsGroup:     profile.IsGroup,
	}
	if err := p.db.UpsertChat(chat); err != nil {
		log.Error("upsert chat failed", zap.Error(err))
	}

	inserted, err := p.db.InsertMessage(record)
	if err != nil {
		// Persistence is best effort; subscribers still see the message.
		log.Error("insert message failed", zap.Error(err))
	} else if !inserted {
		log.Debug("duplicate message ignored")
		return
	}

	if err == nil {
		preview := record.Content
		if preview == "" && record.MediaType != "" {
			preview = "[" + record.MediaType + "]"
		}
		if err := p.db.BumpChatCounters(msg.ChatID, sessionID, msg.IsFromMe, preview, msg.Timestamp); err != nil {
			log.Error("bump counters failed", zap.Error(err))
		}
	}

	if fresh, err := p.db.GetChat(msg.ChatID, sessionID); err == nil {
		p.bus.Publish(bus.Now("chat.updated", fresh))
	}
	p.bus.Publish(bus.Now("message.new", record))
}

func (p *Pipeline) handleReceipt(sessionID string, r *gateway.Receipt) {
	for _, id := range r.MessageIDs {
		if err := p.db.UpdateAck(id, r.Delivered, r.Read); err != nil {
			p.logger.Error("update ack failed",
				zap.String("message_id", id), zap.Error(err))
			continue
		}
		p.bus.Publish(bus.Now("message.status", store.AckUpdate{
			MessageID: id,
			Delivered: r.Delivered,
			Read:      r.Read,
		}))
	}
}

// materialize downloads the attachment to local disk and returns its serve
// path, or "" when the download fails.
func (p *Pipeline) materialize(ctx context.Context, msg *gateway.Message, log *zap.Logger) string {
	dlCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	data, err := p.downloader.DownloadMedia(dlCtx, msg.MediaRef)
	if err != nil {
		log.Warn("media download failed", zap.Error(err))
		return ""
	}
	servePath, err := p.files.SaveInbound(msg.Kind, msg.MediaExt, data)
	if err != nil {
		log.Warn("media save failed", zap.Error(err))
		return ""
	}
	return servePath
}

// senderHint picks the push name to feed contact resolution. Group chats
// resolve by the group subject, not the individual sender's push name.
func senderHint(msg *gateway.Message) string {
	if msg.IsGroup || msg.IsFromMe {
		return ""
	}
	return msg.SenderName
}
