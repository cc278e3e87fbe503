package wa

import (
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/P-443/zzapp/internal/gateway"
)

// translate maps a raw whatsmeow event to a gateway event. Returns nil for
// events the daemon does not care about.
func translate(raw any) any {
	switch evt := raw.(type) {
	case *events.Message:
		return messageFromEvent(evt)
	case *events.Receipt:
		if r := receiptFromEvent(evt); r != nil {
			return r
		}
		return nil
	case *events.Connected:
		return &gateway.Connected{}
	case *events.Disconnected, *events.StreamReplaced:
		return &gateway.Disconnected{}
	case *events.LoggedOut:
		return &gateway.LoggedOut{Reason: evt.Reason.String()}
	default:
		return nil
	}
}

func messageFromEvent(evt *events.Message) *gateway.Message {
	body, kind := parseContent(evt.Message)
	msg := &gateway.Message{
		ChatID:     evt.Info.Chat.String(),
		MessageID:  evt.Info.ID,
		SenderID:   evt.Info.Sender.ToNonAD().String(),
		SenderName: evt.Info.PushName,
		Body:       body,
		Kind:       kind,
		IsFromMe:   evt.Info.IsFromMe,
		IsGroup:    evt.Info.IsGroup,
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
	}
	if kind != "text" && downloadable(evt.Message) != nil {
		msg.MediaRef = evt.Message
		msg.MediaName = mediaFileName(evt.Message)
		msg.MediaExt = mediaExtension(evt.Message)
		msg.MediaSize = mediaFileLength(evt.Message)
	}
	return msg
}

func receiptFromEvent(evt *events.Receipt) *gateway.Receipt {
	r := &gateway.Receipt{
		ChatID:     evt.Chat.String(),
		MessageIDs: evt.MessageIDs,
	}
	switch evt.Type {
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		r.Delivered = true
		r.Read = true
	case types.ReceiptTypeDelivered:
		r.Delivered = true
	default:
		return nil
	}
	return r
}
