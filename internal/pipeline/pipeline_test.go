package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"wbot/internal/cache"
	"wbot/internal/credential"
	"wbot/internal/transport"
	"wbot/internal/transport/transporttest"
)

const (
	tenant  = "tenant-1"
	ownerID = "33600000000@s.whatsapp.net"
	chat    = "33611111111@s.whatsapp.net"
)

type fakeSettings struct {
	cfg      Config
	cfgErr   error
	ghosts   map[string]bool
	ghostErr error
}

func (s *fakeSettings) TenantConfig(context.Context, string) (Config, error) {
	return s.cfg, s.cfgErr
}

func (s *fakeSettings) GhostedChats(context.Context, string) (map[string]bool, error) {
	return s.ghosts, s.ghostErr
}

type fakeResolver struct {
	url string
	err error
}

func (r fakeResolver) Resolve(context.Context, string) (string, error) { return r.url, r.err }

type fakeEncoder struct{}

func (fakeEncoder) Encode(_ context.Context, tenantID string, _ credential.Blob) string {
	return credential.PrefixV4 + tenantID
}

type fixture struct {
	p        *Pipeline
	tr       *transporttest.Fake
	clock    *clock.Mock
	settings *fakeSettings
	opts     Options
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.GhostModeGlobal = false
	settings := &fakeSettings{cfg: cfg}
	opts := Options{
		Settings:  settings,
		Messages:  cache.NewMessages(time.Hour, 0),
		Redirects: cache.NewRedirects(time.Hour, 0),
		Resolver:  fakeResolver{url: "https://cdn.example/video.mp4"},
		Encoder:   fakeEncoder{},
		Clock:     clk,
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr := transporttest.New(tenant, ownerID)
	tr.SetCredentials(json.RawMessage(`{"noiseKey":"x"}`))
	return &fixture{p: New(opts), tr: tr, clock: clk, settings: settings, opts: opts}
}

func (f *fixture) msg(id, text string) transport.Message {
	return transport.Message{
		ID:        id,
		ChatID:    chat,
		SenderID:  chat,
		PushName:  "Alice",
		Timestamp: f.clock.Now(),
		Content:   transport.Content{Kind: transport.KindText, Text: text},
	}
}

func (f *fixture) process(msgs ...transport.Message) {
	f.p.Process(context.Background(), tenant, f.tr, transport.Batch{Messages: msgs})
}

func reactions(sent []transporttest.Sent) []string {
	var out []string
	for _, s := range sent {
		if s.Payload.Reaction != nil {
			out = append(out, s.Payload.Reaction.Emoji)
		}
	}
	return out
}

func messages(sent []transporttest.Sent) []transporttest.Sent {
	var out []transporttest.Sent
	for _, s := range sent {
		if s.Payload.Reaction == nil {
			out = append(out, s)
		}
	}
	return out
}

func TestProcessSkipsHistoryAndStale(t *testing.T) {
	f := newFixture(t, nil)

	f.p.Process(context.Background(), tenant, f.tr, transport.Batch{
		Historical: true,
		Messages:   []transport.Message{f.msg("h1", "!ping")},
	})
	old := f.msg("old", "!ping")
	old.Timestamp = f.clock.Now().Add(-3 * time.Minute)
	f.process(old)

	if got := f.tr.Sent(); len(got) != 0 {
		t.Fatalf("expected nothing sent, got %d payloads", len(got))
	}
	if _, ok := f.opts.Messages.Get(tenant, "old"); ok {
		t.Fatalf("stale message must not be cached")
	}
}

func TestProcessMarksReadUnlessGhosted(t *testing.T) {
	tests := []struct {
		name     string
		global   bool
		ghosts   map[string]bool
		ghostErr error
		fromMe   bool
		reads    int
	}{
		{name: "ghost off", reads: 1},
		{name: "ghost on", global: true, reads: 0},
		{name: "chat ghosted", ghosts: map[string]bool{chat: true}, reads: 0},
		{name: "other chat ghosted", ghosts: map[string]bool{"x@s.whatsapp.net": true}, reads: 1},
		{name: "ghost flags unavailable", ghostErr: errors.New("db down"), reads: 0},
		{name: "own message", fromMe: true, reads: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.settings.cfg.GhostModeGlobal = tt.global
			f.settings.ghosts = tt.ghosts
			f.settings.ghostErr = tt.ghostErr

			m := f.msg("m1", "hello")
			m.FromMe = tt.fromMe
			f.process(m)

			if got := len(f.tr.Reads()); got != tt.reads {
				t.Fatalf("expected %d reads, got %d", tt.reads, got)
			}
		})
	}
}

func TestProcessConfigFailureForcesGhostMode(t *testing.T) {
	f := newFixture(t, nil)
	f.settings.cfgErr = errors.New("timeout")

	f.process(f.msg("m1", "hello"))

	if got := len(f.tr.Reads()); got != 0 {
		t.Fatalf("expected no read receipts, got %d", got)
	}
}

func TestProcessCachesOnlyInbound(t *testing.T) {
	f := newFixture(t, nil)
	mine := f.msg("mine", "hi")
	mine.FromMe = true
	f.process(f.msg("theirs", "hi"), mine)

	if _, ok := f.opts.Messages.Get(tenant, "theirs"); !ok {
		t.Fatalf("inbound message not cached")
	}
	if _, ok := f.opts.Messages.Get(tenant, "mine"); ok {
		t.Fatalf("own message must not be cached")
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t, nil)
	f.process(f.msg("p1", "!ping"))

	sent := f.tr.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected reaction and reply, got %d", len(sent))
	}
	if r := sent[0].Payload.Reaction; r == nil || r.Emoji != "🔵" || r.MessageID != "p1" {
		t.Fatalf("unexpected reaction %+v", sent[0].Payload)
	}
	if sent[1].Payload.Text != pongText || sent[1].ChatID != chat {
		t.Fatalf("unexpected reply %+v", sent[1])
	}
}

func TestSessionRequest(t *testing.T) {
	tests := []struct {
		name    string
		owner   string
		fromMe  bool
		chatID  string
		replied bool
	}{
		{name: "own message", fromMe: true, chatID: chat, replied: true},
		{name: "configured owner", owner: "33611111111", chatID: chat, replied: true},
		{name: "stranger", owner: "33699999999", chatID: chat},
		{name: "no owner configured", chatID: chat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.OwnerID = tt.owner })
			m := f.msg("s1", "!session")
			m.FromMe = tt.fromMe
			m.ChatID = tt.chatID
			f.process(m)

			sent := f.tr.Sent()
			if !tt.replied {
				if len(sent) != 0 {
					t.Fatalf("unauthorized request must get no reply, got %+v", sent)
				}
				return
			}
			if len(sent) != 1 || sent[0].ChatID != ownerID {
				t.Fatalf("expected one message to the owner, got %+v", sent)
			}
			if !strings.Contains(sent[0].Payload.Text, "SESSION_ID="+credential.PrefixV4+tenant) {
				t.Fatalf("session string missing from %q", sent[0].Payload.Text)
			}
		})
	}
}

func TestSessionRequestWithImage(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SessionImageURL = "https://img.example/banner.jpg" })
	m := f.msg("s1", "!session")
	m.FromMe = true
	f.process(m)

	sent := f.tr.Sent()
	if len(sent) != 1 || sent[0].Payload.Media == nil {
		t.Fatalf("expected one image message, got %+v", sent)
	}
	if sent[0].Payload.Media.URL != "https://img.example/banner.jpg" {
		t.Fatalf("unexpected image url %q", sent[0].Payload.Media.URL)
	}
}

func TestSessionRequestWithoutCredentials(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.SetCredentials(nil)
	m := f.msg("s1", "!session")
	m.FromMe = true
	f.process(m)

	sent := f.tr.Sent()
	if len(sent) != 1 || sent[0].Payload.Text != sessionErrorText || sent[0].ChatID != chat {
		t.Fatalf("expected error reply in chat, got %+v", sent)
	}
}

func TestRedirectedReply(t *testing.T) {
	tests := []struct {
		name    string
		sendErr error
		emoji   string
	}{
		{name: "delivered", emoji: "✅"},
		{name: "failed", sendErr: errors.New("offline"), emoji: "❌"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			origin := "33622222222@s.whatsapp.net"
			f.opts.Redirects.Put("rescue-1", origin)
			if tt.sendErr != nil {
				f.tr.SendErr[origin] = tt.sendErr
			}

			m := f.msg("r1", "merci !")
			m.FromMe = true
			m.ChatID = ownerID
			m.Content.Quote = &transport.Quote{MessageID: "rescue-1", Content: &transport.Content{Kind: transport.KindImage}}
			f.process(m)

			sent := f.tr.Sent()
			if got := reactions(sent); len(got) != 1 || got[0] != tt.emoji {
				t.Fatalf("expected single %s reaction, got %v", tt.emoji, got)
			}
			relayed := messages(sent)
			if tt.sendErr == nil && (len(relayed) != 1 || relayed[0].ChatID != origin || relayed[0].Payload.Text != "merci !") {
				t.Fatalf("expected reply relayed to origin, got %+v", relayed)
			}
			if tt.sendErr != nil && len(relayed) != 0 {
				t.Fatalf("expected nothing relayed, got %+v", relayed)
			}
		})
	}
}

func TestAntiDelete(t *testing.T) {
	tests := []struct {
		name        string
		original    transport.Content
		downloadErr error
		wantMedia   bool
		wantText    string
	}{
		{
			name:      "media recovered",
			original:  transport.Content{Kind: transport.KindImage, Text: "beach", Mimetype: "image/jpeg"},
			wantMedia: true,
		},
		{
			name:     "text recovered",
			original: transport.Content{Kind: transport.KindText, Text: "secret"},
			wantText: "📝 *Message:* \nsecret",
		},
		{
			name:        "media lost",
			original:    transport.Content{Kind: transport.KindVideo},
			downloadErr: errors.New("gone"),
			wantText:    "Média non récupérable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.tr.DownloadErr = tt.downloadErr

			original := f.msg("orig", "")
			original.Content = tt.original
			f.process(original)

			revoke := f.msg("rev", "")
			revoke.Content = transport.Content{Kind: transport.KindRevoke, RevokedID: "orig"}
			f.process(revoke)

			sent := f.tr.Sent()
			if len(sent) != 1 || sent[0].ChatID != ownerID {
				t.Fatalf("expected exactly one delivery to the owner, got %+v", sent)
			}
			p := sent[0].Payload
			if tt.wantMedia {
				if p.Media == nil || p.Media.Kind != tt.original.Kind || !strings.Contains(p.Media.Caption, "WBOT ANTIDELETE") {
					t.Fatalf("expected media delivery, got %+v", p)
				}
				if !strings.Contains(p.Media.Caption, "*De:* Alice") {
					t.Fatalf("sender missing from caption %q", p.Media.Caption)
				}
				return
			}
			if !strings.Contains(p.Text, tt.wantText) {
				t.Fatalf("expected %q in %q", tt.wantText, p.Text)
			}
		})
	}
}

func TestAntiDeleteIgnoresUnknownOrDisabled(t *testing.T) {
	f := newFixture(t, nil)
	revoke := f.msg("rev", "")
	revoke.Content = transport.Content{Kind: transport.KindRevoke, RevokedID: "never-seen"}
	f.process(revoke)
	if got := f.tr.Sent(); len(got) != 0 {
		t.Fatalf("expected nothing for uncached revoke, got %+v", got)
	}

	f.settings.cfg.AntiDelete = false
	f.process(f.msg("orig", "text"))
	revoke.Content.RevokedID = "orig"
	f.process(revoke)
	if got := f.tr.Sent(); len(got) != 0 {
		t.Fatalf("expected nothing with anti-delete off, got %+v", got)
	}
}

func TestDownloader(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		resolver  fakeResolver
		reactions []string
		reply     string
	}{
		{name: "missing url", text: "dl ", reply: "Ajoutez un lien"},
		{name: "not a url", text: "dl something", reply: "Ajoutez un lien"},
		{name: "success", text: "dl https://tiktok.com/v/1", resolver: fakeResolver{url: "https://cdn.example/v.mp4"}, reactions: []string{"⏳", "✅"}},
		{name: "resolver error", text: "DL https://tiktok.com/v/1", resolver: fakeResolver{err: errors.New("403")}, reactions: []string{"⏳", "❌"}, reply: downloadFailText},
		{name: "empty result", text: "dl https://tiktok.com/v/1", reactions: []string{"⏳", "❌"}, reply: downloadFailText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.Resolver = tt.resolver })
			f.process(f.msg("d1", tt.text))

			sent := f.tr.Sent()
			if got := reactions(sent); strings.Join(got, ",") != strings.Join(tt.reactions, ",") {
				t.Fatalf("expected reactions %v, got %v", tt.reactions, got)
			}
			out := messages(sent)
			if len(out) != 1 {
				t.Fatalf("expected one message, got %+v", out)
			}
			if tt.reply != "" {
				if !strings.Contains(out[0].Payload.Text, tt.reply) {
					t.Fatalf("expected %q in %q", tt.reply, out[0].Payload.Text)
				}
				return
			}
			m := out[0].Payload.Media
			if m == nil || m.Kind != transport.KindVideo || m.URL != tt.resolver.url {
				t.Fatalf("expected video by url, got %+v", out[0].Payload)
			}
			if !strings.Contains(m.Caption, "https://tiktok.com/v/1") {
				t.Fatalf("source missing from caption %q", m.Caption)
			}
		})
	}
}

func TestViewOnceRescue(t *testing.T) {
	f := newFixture(t, nil)
	inner := &transport.Content{Kind: transport.KindImage, Mimetype: "image/jpeg"}
	m := f.msg("v1", "1")
	m.FromMe = true
	m.Content.Quote = &transport.Quote{
		MessageID:   "vo-1",
		Participant: "33633333333@s.whatsapp.net",
		Content:     &transport.Content{Kind: transport.KindViewOnce, Inner: inner},
	}
	f.process(m)

	sent := f.tr.Sent()
	if got := reactions(sent); len(got) != 1 || got[0] != "👀" {
		t.Fatalf("expected 👀 reaction, got %v", got)
	}
	out := messages(sent)
	if len(out) != 1 || out[0].ChatID != ownerID || out[0].Payload.Media == nil {
		t.Fatalf("expected media to owner, got %+v", out)
	}
	if !strings.Contains(out[0].Payload.Media.Caption, "*De:* 33633333333") {
		t.Fatalf("unexpected caption %q", out[0].Payload.Media.Caption)
	}
	origin, ok := f.opts.Redirects.Origin(out[0].ID)
	if !ok || origin != chat {
		t.Fatalf("expected redirect to %s, got %q (%v)", chat, origin, ok)
	}
}

func TestViewOnceRescueMismatch(t *testing.T) {
	f := newFixture(t, nil)
	m := f.msg("v1", "1")
	m.Content.Quote = &transport.Quote{MessageID: "x", Content: &transport.Content{Kind: transport.KindImage}}
	f.process(m)

	sent := f.tr.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Payload.Text, "Répondez à une vue unique avec \"1\"") {
		t.Fatalf("expected usage reply, got %+v", sent)
	}
}

func TestViewOnceRescueDownloadFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.DownloadErr = errors.New("expired")
	m := f.msg("v1", "1")
	m.Content.Quote = &transport.Quote{Content: &transport.Content{Kind: transport.KindViewOnce, Inner: &transport.Content{Kind: transport.KindVideo}}}
	f.process(m)

	out := messages(f.tr.Sent())
	if len(out) != 1 || out[0].Payload.Text != rescueErrorText || out[0].ChatID != chat {
		t.Fatalf("expected error reply in chat, got %+v", out)
	}
}

func TestStatusSave(t *testing.T) {
	f := newFixture(t, nil)
	poster := "33644444444@s.whatsapp.net"
	m := f.msg("st1", "*")
	m.FromMe = true
	m.Content.Quote = &transport.Quote{
		MessageID:   "status-1",
		Participant: poster,
		ChatID:      transport.StatusBroadcast,
		Content:     &transport.Content{Kind: transport.KindImage, Text: "sunset"},
	}
	f.process(m)

	sent := f.tr.Sent()
	if got := reactions(sent); len(got) != 1 || got[0] != "⭐" {
		t.Fatalf("expected ⭐ reaction, got %v", got)
	}
	out := messages(sent)
	if len(out) != 1 || out[0].ChatID != ownerID || out[0].Payload.Forward == nil {
		t.Fatalf("expected forward to owner, got %+v", out)
	}
	if out[0].Payload.Forward.Caption != "sunset\n\n"+savedMarker {
		t.Fatalf("unexpected caption %q", out[0].Payload.Forward.Caption)
	}
	if origin, ok := f.opts.Redirects.Origin(out[0].ID); !ok || origin != poster {
		t.Fatalf("expected redirect to poster, got %q", origin)
	}
}

func TestStatusSaveMismatch(t *testing.T) {
	f := newFixture(t, nil)
	m := f.msg("st1", "*")
	m.Content.Quote = &transport.Quote{MessageID: "x", Content: &transport.Content{Kind: transport.KindText, Text: "hey"}}
	f.process(m)

	sent := f.tr.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Payload.Text, "Répondez à un statut") {
		t.Fatalf("expected usage reply, got %+v", sent)
	}
}

func TestProtocolMessagesAreNotDispatched(t *testing.T) {
	f := newFixture(t, nil)
	m := f.msg("pr1", "!ping")
	m.Content.Kind = transport.KindProtocol
	f.process(m)

	if got := f.tr.Sent(); len(got) != 0 {
		t.Fatalf("expected no dispatch, got %+v", got)
	}
}
