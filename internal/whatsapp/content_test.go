package whatsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wbot/internal/transport"
)

func TestClassify(t *testing.T) {
	image := &waE2E.ImageMessage{Caption: proto.String("look"), Mimetype: proto.String("image/jpeg")}
	tests := []struct {
		name     string
		msg      *waE2E.Message
		viewOnce bool
		kind     transport.Kind
		text     string
		inner    transport.Kind
	}{
		{name: "conversation", msg: &waE2E.Message{Conversation: proto.String("hi")}, kind: transport.KindText, text: "hi"},
		{name: "extended", msg: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("dl x")}}, kind: transport.KindText, text: "dl x"},
		{name: "image", msg: &waE2E.Message{ImageMessage: image}, kind: transport.KindImage, text: "look"},
		{name: "audio", msg: &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, kind: transport.KindAudio},
		{name: "sticker", msg: &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, kind: transport.KindSticker},
		{
			name: "revoke",
			msg: &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
				Type: waE2E.ProtocolMessage_REVOKE.Enum(),
				Key:  &waCommon.MessageKey{ID: proto.String("gone")},
			}},
			kind: transport.KindRevoke,
		},
		{
			name: "other protocol",
			msg:  &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{Type: waE2E.ProtocolMessage_EPHEMERAL_SETTING.Enum()}},
			kind: transport.KindProtocol,
		},
		{
			name: "app state key share",
			msg: &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
				Type:                 waE2E.ProtocolMessage_APP_STATE_SYNC_KEY_SHARE.Enum(),
				AppStateSyncKeyShare: &waE2E.AppStateSyncKeyShare{},
			}},
			kind: transport.KindProtocol,
		},
		{
			name: "key distribution",
			msg:  &waE2E.Message{SenderKeyDistributionMessage: &waE2E.SenderKeyDistributionMessage{}},
			kind: transport.KindProtocol,
		},
		{
			name:  "view once wrapper",
			msg:   &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: &waE2E.Message{ImageMessage: image}}},
			kind:  transport.KindViewOnce,
			text:  "look",
			inner: transport.KindImage,
		},
		{
			name:     "unwrapped view once",
			msg:      &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}},
			viewOnce: true,
			kind:     transport.KindViewOnce,
			inner:    transport.KindVideo,
		},
		{
			name:  "media view once flag",
			msg:   &waE2E.Message{ImageMessage: &waE2E.ImageMessage{ViewOnce: proto.Bool(true)}},
			kind:  transport.KindViewOnce,
			inner: transport.KindImage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := classify(tt.msg, tt.viewOnce)
			if c.Kind != tt.kind {
				t.Fatalf("expected kind %s, got %s", tt.kind, c.Kind)
			}
			if c.Text != tt.text {
				t.Fatalf("expected text %q, got %q", tt.text, c.Text)
			}
			if tt.inner != transport.KindUnknown {
				if c.Inner == nil || c.Inner.Kind != tt.inner {
					t.Fatalf("expected inner %s, got %+v", tt.inner, c.Inner)
				}
			}
			if tt.kind == transport.KindRevoke && c.RevokedID != "gone" {
				t.Fatalf("unexpected revoked id %q", c.RevokedID)
			}
		})
	}
}

func TestClassifyQuote(t *testing.T) {
	msg := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text: proto.String("1"),
		ContextInfo: &waE2E.ContextInfo{
			StanzaID:    proto.String("orig"),
			Participant: proto.String("33611111111@s.whatsapp.net"),
			RemoteJID:   proto.String(transport.StatusBroadcast),
			QuotedMessage: &waE2E.Message{ViewOnceMessage: &waE2E.FutureProofMessage{
				Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
			}},
		},
	}}
	c := classify(msg, false)
	q := c.Quote
	if q == nil {
		t.Fatal("expected quote")
	}
	if q.MessageID != "orig" || q.Participant != "33611111111@s.whatsapp.net" || q.ChatID != transport.StatusBroadcast {
		t.Fatalf("unexpected quote %+v", q)
	}
	if q.Content == nil || q.Content.Kind != transport.KindViewOnce {
		t.Fatalf("expected view-once quoted content, got %+v", q.Content)
	}
	if _, err := downloadable(*q.Content); err != nil {
		t.Fatalf("quoted view-once should be downloadable: %v", err)
	}
}

func TestDownloadableWithoutMedia(t *testing.T) {
	c := classify(&waE2E.Message{Conversation: proto.String("hi")}, false)
	if _, err := downloadable(c); !errors.Is(err, transport.ErrNoMedia) {
		t.Fatalf("expected ErrNoMedia, got %v", err)
	}
	if _, err := downloadable(transport.Content{Kind: transport.KindImage}); !errors.Is(err, transport.ErrNoMedia) {
		t.Fatalf("expected ErrNoMedia for content without raw message, got %v", err)
	}
}

func TestForwardMessage(t *testing.T) {
	src := &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:     proto.String("old"),
			ViewOnce:    proto.Bool(true),
			ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String("x")},
		},
	}}}
	msg, err := forwardMessage(&transport.Forward{Content: classify(src, false), Caption: "new"})
	if err != nil {
		t.Fatalf("forwardMessage: %v", err)
	}
	img := msg.GetImageMessage()
	if img == nil || img.GetCaption() != "new" || img.GetViewOnce() || img.GetContextInfo() != nil {
		t.Fatalf("unexpected forward %v", msg)
	}
	// the source is left untouched
	if src.GetViewOnceMessageV2().GetMessage().GetImageMessage().GetCaption() != "old" {
		t.Fatal("source message was modified")
	}

	text, err := forwardMessage(&transport.Forward{Content: transport.Content{Kind: transport.KindText, Text: "hello"}})
	if err != nil || text.GetConversation() != "hello" {
		t.Fatalf("unexpected text forward %v, %v", text, err)
	}
	if _, err := forwardMessage(&transport.Forward{}); !errors.Is(err, transport.ErrNoMedia) {
		t.Fatalf("expected ErrNoMedia, got %v", err)
	}
}

func TestTextMessageForStatus(t *testing.T) {
	if m := textMessage("hi", false); m.GetConversation() != "hi" {
		t.Fatalf("unexpected message %v", m)
	}
	m := textMessage("hi", true)
	if m.GetExtendedTextMessage().GetText() != "hi" || m.GetExtendedTextMessage().GetBackgroundArgb() != 0xFF000000 {
		t.Fatalf("unexpected status message %v", m)
	}
}

func TestConvertMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     types.NewJID("33611111111", types.DefaultUserServer),
				Sender:   types.JID{User: "33611111111", Device: 3, Server: types.DefaultUserServer},
				IsFromMe: false,
			},
			ID:        "ABC",
			PushName:  "Bob",
			Timestamp: ts,
		},
		Message:    &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
		IsViewOnce: true,
	}
	m := convertMessage(evt)
	if m.ID != "ABC" || m.ChatID != "33611111111@s.whatsapp.net" || m.SenderID != "33611111111@s.whatsapp.net" {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.PushName != "Bob" || !m.Timestamp.Equal(ts) || m.Content.Kind != transport.KindViewOnce {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestEventMapping(t *testing.T) {
	f, _ := newTestFactory(t)
	var got []transport.Event
	tr, err := f.New(context.Background(), "events", func(ev transport.Event) { got = append(got, ev) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := tr.(*Client)
	wa := c.client()

	c.onEvent(wa, &events.Connected{})
	c.onEvent(wa, &events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
	c.onEvent(wa, &events.ConnectFailure{Reason: events.ConnectFailureReason(500)})
	c.onEvent(wa, &events.StreamReplaced{})
	c.onEvent(wa, &events.Disconnected{})
	c.onEvent(wa, &events.Message{Message: &waE2E.Message{Conversation: proto.String("hi")}})

	if len(got) != 6 {
		t.Fatalf("expected 6 events, got %d: %+v", len(got), got)
	}
	if _, ok := got[0].(transport.Opened); !ok {
		t.Fatalf("expected Opened, got %T", got[0])
	}
	if ev, ok := got[1].(transport.Closed); !ok || !ev.LoggedOut {
		t.Fatalf("expected logged-out close, got %+v", got[1])
	}
	for _, ev := range got[2:5] {
		if closed, ok := ev.(transport.Closed); !ok || closed.LoggedOut {
			t.Fatalf("expected recoverable close, got %+v", ev)
		}
	}
	if ev, ok := got[5].(transport.Messages); !ok || ev.Batch.Historical || ev.Batch.Messages[0].Content.Text != "hi" {
		t.Fatalf("unexpected message event %+v", got[5])
	}

	// events from a replaced client are dropped
	c.onEvent(nil, &events.Connected{})
	if len(got) != 6 {
		t.Fatalf("stale client event was forwarded")
	}
}
