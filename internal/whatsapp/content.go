package whatsapp

import (
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"wbot/internal/transport"
)

// classify turns a decoded message into transport content. viewOnce marks
// messages whatsmeow already unwrapped from a view-once envelope.
func classify(m *waE2E.Message, viewOnce bool) transport.Content {
	if m == nil {
		return transport.Content{}
	}
	if inner := viewOnceInner(m); inner != nil {
		return wrapViewOnce(m, classifyPlain(inner))
	}
	if viewOnce || mediaViewOnce(m) {
		return wrapViewOnce(m, classifyPlain(m))
	}
	return classifyPlain(m)
}

func wrapViewOnce(raw *waE2E.Message, inner transport.Content) transport.Content {
	quote := inner.Quote
	inner.Quote = nil
	return transport.Content{
		Kind:     transport.KindViewOnce,
		Text:     inner.Text,
		Mimetype: inner.Mimetype,
		Inner:    &inner,
		Quote:    quote,
		Raw:      raw,
	}
}

// classifyPlain classifies a message without looking at view-once markers.
func classifyPlain(m *waE2E.Message) transport.Content {
	c := transport.Content{Raw: m}

	switch {
	case m.GetProtocolMessage() != nil:
		pm := m.GetProtocolMessage()
		if pm.GetType() == waE2E.ProtocolMessage_REVOKE {
			c.Kind = transport.KindRevoke
			c.RevokedID = pm.GetKey().GetID()
		} else {
			c.Kind = transport.KindProtocol
		}
		return c
	case m.GetConversation() != "":
		c.Kind = transport.KindText
		c.Text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		c.Kind = transport.KindText
		c.Text = m.GetExtendedTextMessage().GetText()
		c.Quote = quoteOf(m.GetExtendedTextMessage().GetContextInfo())
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		c.Kind = transport.KindImage
		c.Text = img.GetCaption()
		c.Mimetype = img.GetMimetype()
		c.Quote = quoteOf(img.GetContextInfo())
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		c.Kind = transport.KindVideo
		c.Text = vid.GetCaption()
		c.Mimetype = vid.GetMimetype()
		c.Quote = quoteOf(vid.GetContextInfo())
	case m.GetAudioMessage() != nil:
		au := m.GetAudioMessage()
		c.Kind = transport.KindAudio
		c.Mimetype = au.GetMimetype()
		c.Quote = quoteOf(au.GetContextInfo())
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		c.Kind = transport.KindDocument
		c.Text = doc.GetCaption()
		c.Mimetype = doc.GetMimetype()
		c.Quote = quoteOf(doc.GetContextInfo())
	case m.GetStickerMessage() != nil:
		st := m.GetStickerMessage()
		c.Kind = transport.KindSticker
		c.Mimetype = st.GetMimetype()
		c.Quote = quoteOf(st.GetContextInfo())
	case m.GetSenderKeyDistributionMessage() != nil,
		m.GetMessageContextInfo() != nil && isEmptyEnvelope(m):
		c.Kind = transport.KindProtocol
	}
	return c
}

// isEmptyEnvelope reports whether m carries nothing but context metadata.
func isEmptyEnvelope(m *waE2E.Message) bool {
	stripped := proto.Clone(m).(*waE2E.Message)
	stripped.MessageContextInfo = nil
	return proto.Size(stripped) == 0
}

func viewOnceInner(m *waE2E.Message) *waE2E.Message {
	switch {
	case m.GetViewOnceMessage() != nil:
		return m.GetViewOnceMessage().GetMessage()
	case m.GetViewOnceMessageV2() != nil:
		return m.GetViewOnceMessageV2().GetMessage()
	case m.GetViewOnceMessageV2Extension() != nil:
		return m.GetViewOnceMessageV2Extension().GetMessage()
	}
	return nil
}

func mediaViewOnce(m *waE2E.Message) bool {
	return m.GetImageMessage().GetViewOnce() ||
		m.GetVideoMessage().GetViewOnce() ||
		m.GetAudioMessage().GetViewOnce()
}

func quoteOf(ci *waE2E.ContextInfo) *transport.Quote {
	if ci == nil || ci.GetStanzaID() == "" {
		return nil
	}
	q := &transport.Quote{
		MessageID:   ci.GetStanzaID(),
		Participant: ci.GetParticipant(),
		ChatID:      ci.GetRemoteJID(),
	}
	if qm := ci.GetQuotedMessage(); qm != nil {
		content := classify(qm, false)
		q.Content = &content
	}
	return q
}

// downloadable finds the media body of c.
func downloadable(c transport.Content) (whatsmeow.DownloadableMessage, error) {
	if c.Kind == transport.KindViewOnce && c.Inner != nil {
		return downloadable(*c.Inner)
	}
	m, ok := c.Raw.(*waE2E.Message)
	if !ok || m == nil {
		return nil, transport.ErrNoMedia
	}
	if inner := viewOnceInner(m); inner != nil {
		m = inner
	}
	switch {
	case m.GetImageMessage() != nil:
		return m.GetImageMessage(), nil
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage(), nil
	case m.GetAudioMessage() != nil:
		return m.GetAudioMessage(), nil
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage(), nil
	case m.GetStickerMessage() != nil:
		return m.GetStickerMessage(), nil
	}
	return nil, transport.ErrNoMedia
}

// forwardMessage copies the original message, replacing its caption.
func forwardMessage(f *transport.Forward) (*waE2E.Message, error) {
	src, ok := f.Content.Raw.(*waE2E.Message)
	if !ok || src == nil {
		if f.Content.Text == "" && f.Caption == "" {
			return nil, transport.ErrNoMedia
		}
		return textMessage(captionOr(f.Caption, f.Content.Text), false), nil
	}

	msg := proto.Clone(src).(*waE2E.Message)
	if inner := viewOnceInner(msg); inner != nil {
		msg = inner
	}
	switch {
	case msg.GetImageMessage() != nil:
		msg.ImageMessage.ContextInfo = nil
		msg.ImageMessage.ViewOnce = nil
		if f.Caption != "" {
			msg.ImageMessage.Caption = proto.String(f.Caption)
		}
	case msg.GetVideoMessage() != nil:
		msg.VideoMessage.ContextInfo = nil
		msg.VideoMessage.ViewOnce = nil
		if f.Caption != "" {
			msg.VideoMessage.Caption = proto.String(f.Caption)
		}
	case msg.GetDocumentMessage() != nil:
		msg.DocumentMessage.ContextInfo = nil
		if f.Caption != "" {
			msg.DocumentMessage.Caption = proto.String(f.Caption)
		}
	case msg.GetAudioMessage() != nil:
		msg.AudioMessage.ContextInfo = nil
		msg.AudioMessage.ViewOnce = nil
	case msg.GetStickerMessage() != nil:
		msg.StickerMessage.ContextInfo = nil
	default:
		return textMessage(captionOr(f.Caption, f.Content.Text), false), nil
	}
	return msg, nil
}

func textMessage(text string, status bool) *waE2E.Message {
	if status {
		return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:           proto.String(text),
			BackgroundArgb: proto.Uint32(0xFF000000),
		}}
	}
	return &waE2E.Message{Conversation: proto.String(text)}
}

func captionOr(caption, fallback string) string {
	if caption != "" {
		return caption
	}
	return fallback
}

// mediaType maps a content kind to the upload type.
func mediaType(k transport.Kind) whatsmeow.MediaType {
	switch k {
	case transport.KindVideo:
		return whatsmeow.MediaVideo
	case transport.KindAudio:
		return whatsmeow.MediaAudio
	case transport.KindDocument:
		return whatsmeow.MediaDocument
	default:
		return whatsmeow.MediaImage
	}
}

// mediaMessage builds the outbound message for uploaded media.
func mediaMessage(m *transport.Media, mimetype string, up whatsmeow.UploadResponse) *waE2E.Message {
	switch m.Kind {
	case transport.KindVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(m.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	case transport.KindAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimetype),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	case transport.KindDocument:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(m.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	case transport.KindSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype:      proto.String(mimetype),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	default:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(m.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	}
}
