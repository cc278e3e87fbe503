package store

// Session identifies one authenticated login of the automated client.
type Session struct {
	ID         string `json:"session_id"`
	UserName   string `json:"user_name"`
	UserNumber string `json:"user_number"`
	UserAvatar string `json:"user_avatar"`
	LastActive int64  `json:"last_active"`
	CreatedAt  int64  `json:"created_at"`
}

// UserProfile is the authenticated identity pushed to subscribers.
type UserProfile struct {
	Name   string `json:"name"`
	Number string `json:"number"`
	Avatar string `json:"avatar"`
}

// Chat is one conversation scoped to exactly one session. The pair
// (ID, SessionID) is unique; the same remote party observed under two
// sessions yields two independent rows.
type Chat struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	Number       string `json:"number"`
	About        string `json:"about"`
	Pic          string `json:"pic"`
	LastMessage  string `json:"last_message"`
	MessageCount int    `json:"message_count"`
	UnreadCount  int    `json:"unread_count"`
	LastTime     int64  `json:"last_time"`
	UpdatedAt    int64  `json:"updated_at"`
	IsGroup      bool   `json:"is_group"`
}

// Message is one chat event. MessageID is globally unique; redelivery of
// the same protocol event must not create a second row.
type Message struct {
	MessageID    string `json:"message_id"`
	ChatID       string `json:"chat_id"`
	SessionID    string `json:"session_id"`
	SenderID     string `json:"sender_id"`
	SenderName   string `json:"sender_name"`
	SenderNumber string `json:"sender_number"`
	Content      string `json:"content"`
	MediaURL     string `json:"media_url,omitempty"`
	MediaType    string `json:"media_type,omitempty"`
	MediaSize    int64  `json:"media_size,omitempty"`
	MediaName    string `json:"media_name,omitempty"`
	IsFromMe     bool   `json:"is_from_me"`
	Delivered    bool   `json:"delivered"`
	ReadReceipt  bool   `json:"read_receipt"`
	Timestamp    int64  `json:"timestamp"`
	CreatedAt    int64  `json:"created_at"`
}

// AckUpdate is a delivery/read acknowledgment notification.
type AckUpdate struct {
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
	Read      bool   `json:"read"`
}
