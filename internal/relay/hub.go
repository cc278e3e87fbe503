package relay

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/P-443/zzapp/internal/bus"
)

// Backend is what the hub needs from the rest of the daemon to answer
// subscriber commands.
type Backend interface {
	// Snapshot returns the frames a freshly connected subscriber needs to
	// reach current state (pairing progress, identity).
	Snapshot() []Frame
	// RestoreSession validates a subscriber's remembered session and returns
	// the frames bringing it up to date.
	RestoreSession(ctx context.Context, sessionID string) ([]Frame, error)
	Chats() (any, error)
	Messages(chatID string) (any, error)
	SendText(ctx context.Context, to, body string) error
	SendMedia(ctx context.Context, cmd SendMediaCommand) error
	StartChat(ctx context.Context, number string) error
	Logout(ctx context.Context) error
}

// Hub tracks connected subscribers, broadcasts daemon events, and dispatches
// their commands to the backend.
type Hub struct {
	backend Backend
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(backend Backend, b *bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		backend: backend,
		bus:     b,
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
}

// Start begins forwarding bus events to subscribers. Call Stop to shut down.
func (h *Hub) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	events, unsub := h.bus.Subscribe("", 256)
	go func() {
		defer close(h.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if frame, ok := frameFor(evt); ok {
					h.Broadcast(frame)
				}
			}
		}
	}()
}

// Stop disconnects all subscribers and halts event forwarding.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.mu.Lock()
	for c := range h.clients {
		c.closeSend()
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// frameFor maps a bus event to its websocket frame. Gateway-namespace events
// are internal traffic and never leave the daemon.
func frameFor(evt bus.Event) (Frame, bool) {
	switch evt.Kind {
	case "session.waiting":
		return Frame{Event: EventWaiting, Data: evt.Payload}, true
	case "session.qr":
		return Frame{Event: EventQR, Data: evt.Payload}, true
	case "session.ready":
		return Frame{Event: EventReady, Data: evt.Payload}, true
	case "session.restored":
		return Frame{Event: EventSessionRestored, Data: evt.Payload}, true
	case "session.user_info":
		return Frame{Event: EventUserInfo, Data: evt.Payload}, true
	case "session.error":
		return Frame{Event: EventError, Data: evt.Payload}, true
	case "session.logged_out":
		return Frame{Event: EventLoggedOut, Data: evt.Payload}, true
	case "chat.updated":
		return Frame{Event: EventChatUpdate, Data: evt.Payload}, true
	case "chat.started":
		return Frame{Event: EventNewChatStarted, Data: evt.Payload}, true
	case "message.new":
		return Frame{Event: EventMessage, Data: evt.Payload}, true
	case "message.status":
		return Frame{Event: EventMessageStatus, Data: evt.Payload}, true
	default:
		return Frame{}, false
	}
}

// Broadcast pushes a frame to every connected subscriber.
func (h *Hub) Broadcast(frame Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.push(frame)
	}
}

func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("subscriber connected", zap.Int("total", n))

	for _, frame := range h.backend.Snapshot() {
		c.push(frame)
	}
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.closeSend()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("subscriber disconnected", zap.Int("total", n))
}

// dispatch handles one command from a subscriber. Query results and errors
// go back to the requester only; side effects surface as broadcasts through
// the bus.
func (h *Hub) dispatch(c *Client, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.push(Frame{Event: EventError, Data: ErrorData{Message: "malformed command"}})
		return
	}
	ctx := context.Background()

	switch cmd.Action {
	case ActionRestoreSession:
		var req RestoreSessionCommand
		if err := json.Unmarshal(cmd.Data, &req); err != nil || req.SessionID == "" {
			c.push(Frame{Event: EventError, Data: ErrorData{Message: "restore_session requires sessionId"}})
			return
		}
		frames, err := h.backend.RestoreSession(ctx, req.SessionID)
		if err != nil {
			c.fail("restore session failed", err)
			return
		}
		for _, frame := range frames {
			c.push(frame)
		}

	case ActionGetChats:
		chats, err := h.backend.Chats()
		if err != nil {
			c.fail("load chats failed", err)
			return
		}
		c.push(Frame{Event: EventChats, Data: chats})

	case ActionGetMessages:
		var req GetMessagesCommand
		if err := json.Unmarshal(cmd.Data, &req); err != nil || req.ChatID == "" {
			c.push(Frame{Event: EventError, Data: ErrorData{Message: "get_messages requires chatId"}})
			return
		}
		msgs, err := h.backend.Messages(req.ChatID)
		if err != nil {
			c.fail("load messages failed", err)
			return
		}
		c.push(Frame{Event: EventLoadMessages, Data: LoadMessagesData{ChatID: req.ChatID, Messages: msgs}})

	case ActionSendMessage:
		var req SendMessageCommand
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			c.push(Frame{Event: EventError, Data: ErrorData{Message: "malformed send_message"}})
			return
		}
		if err := h.backend.SendText(ctx, req.To, req.Text); err != nil {
			c.fail("send failed", err)
		}

	case ActionSendMedia:
		var req SendMediaCommand
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			c.push(Frame{Event: EventError, Data: ErrorData{Message: "malformed send_media"}})
			return
		}
		if err := h.backend.SendMedia(ctx, req); err != nil {
			c.fail("send media failed", err)
		}

	case ActionStartNewChat:
		var req StartChatCommand
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			c.push(Frame{Event: EventError, Data: ErrorData{Message: "malformed start_new_chat"}})
			return
		}
		if err := h.backend.StartChat(ctx, req.Number); err != nil {
			c.fail("start chat failed", err)
		}

	case ActionLogout:
		if err := h.backend.Logout(ctx); err != nil {
			c.fail("logout failed", err)
		}

	default:
		c.push(Frame{Event: EventError, Data: ErrorData{Message: "unknown action: " + cmd.Action}})
	}
}
