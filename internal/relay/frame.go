// Package relay fans daemon events out to websocket subscribers and routes
// their commands back into the controller.
package relay

import "encoding/json"

// Frame is one websocket message pushed to subscribers.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Event names pushed to subscribers.
const (
	EventWaiting         = "waiting"
	EventQR              = "qr"
	EventReady           = "ready"
	EventSessionRestored = "session_restored"
	EventUserInfo        = "user_info"
	EventChats           = "chats"
	EventChatUpdate      = "chat_update"
	EventNewChatStarted  = "new_chat_started"
	EventMessage         = "message"
	EventLoadMessages    = "load_messages"
	EventMessageStatus   = "message_status"
	EventVoiceSaved      = "voice_saved"
	EventError           = "error"
	EventLoggedOut       = "logged_out"
)

// Command is one websocket message received from a subscriber.
type Command struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Command actions accepted from subscribers.
const (
	ActionRestoreSession = "restore_session"

	ActionGetChats     = "get_chats"
	ActionGetMessages  = "get_messages"
	ActionSendMessage  = "send_message"
	ActionSendMedia    = "send_media"
	ActionStartNewChat = "start_new_chat"
	ActionLogout       = "logout"
)

// SendMessageCommand asks the daemon to send a text message.
type SendMessageCommand struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendMediaCommand asks the daemon to send a previously uploaded file.
type SendMediaCommand struct {
	To             string `json:"to"`
	FilePath       string `json:"filePath"`
	MediaType      string `json:"mediaType"`
	Caption        string `json:"caption"`
	IsVoiceMessage bool   `json:"isVoiceMessage"`
}

// GetMessagesCommand asks for one chat's message window.
type GetMessagesCommand struct {
	ChatID string `json:"chatId"`
}

// RestoreSessionCommand asks to resume a previously issued session.
type RestoreSessionCommand struct {
	SessionID string `json:"sessionId"`
}

// StartChatCommand asks to open a conversation with a phone number.
type StartChatCommand struct {
	Number string `json:"number"`
}

// LoadMessagesData answers a get_messages command.
type LoadMessagesData struct {
	ChatID   string `json:"chat_id"`
	Messages any    `json:"messages"`
}

// ErrorData carries a human-readable failure to the requester.
type ErrorData struct {
	Message string `json:"message"`
}

// VoiceSavedData reports where a recorded voice note was materialized.
type VoiceSavedData struct {
	FilePath string `json:"filePath"`
}
