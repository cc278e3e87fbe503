package wa

import (
	"mime"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// parseContent extracts the display body and message kind from a protocol
// message. Media messages yield their caption as the body.
func parseContent(msg *waE2E.Message) (body, kind string) {
	if msg == nil {
		return "", "unknown"
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation(), "text"
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText(), "text"
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption(), "image"
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption(), "video"
	case msg.GetAudioMessage() != nil:
		return "", "audio"
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption(), "document"
	case msg.GetStickerMessage() != nil:
		return "", "sticker"
	case msg.GetContactMessage() != nil:
		return msg.GetContactMessage().GetDisplayName(), "contact"
	case msg.GetLocationMessage() != nil:
		return msg.GetLocationMessage().GetName(), "location"
	case msg.GetReactionMessage() != nil:
		return msg.GetReactionMessage().GetText(), "reaction"
	default:
		return "", "unknown"
	}
}

// downloadable returns the media part of a message, or nil when the message
// carries none.
func downloadable(msg *waE2E.Message) whatsmeow.DownloadableMessage {
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage()
	default:
		return nil
	}
}

// mediaFileName returns the original file name when the message carries one,
// otherwise a name derived from the media mime type.
func mediaFileName(msg *waE2E.Message) string {
	if doc := msg.GetDocumentMessage(); doc != nil && doc.GetFileName() != "" {
		return doc.GetFileName()
	}
	mimeType := mediaMimetype(msg)
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return "media" + exts[0]
	}
	return "media"
}

func mediaFileLength(msg *waE2E.Message) int64 {
	switch {
	case msg.GetImageMessage() != nil:
		return int64(msg.GetImageMessage().GetFileLength())
	case msg.GetVideoMessage() != nil:
		return int64(msg.GetVideoMessage().GetFileLength())
	case msg.GetAudioMessage() != nil:
		return int64(msg.GetAudioMessage().GetFileLength())
	case msg.GetDocumentMessage() != nil:
		return int64(msg.GetDocumentMessage().GetFileLength())
	case msg.GetStickerMessage() != nil:
		return int64(msg.GetStickerMessage().GetFileLength())
	default:
		return 0
	}
}

func mediaMimetype(msg *waE2E.Message) string {
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetMimetype()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetMimetype()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetMimetype()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetMimetype()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetMimetype()
	default:
		return ""
	}
}

// mediaExtension picks a file extension for inbound media, preferring the
// attachment's own mime type.
func mediaExtension(msg *waE2E.Message) string {
	if doc := msg.GetDocumentMessage(); doc != nil && doc.GetFileName() != "" {
		if ext := filepath.Ext(doc.GetFileName()); ext != "" {
			return ext
		}
	}
	mimeType := mediaMimetype(msg)
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "application/pdf":
		return ".pdf"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
