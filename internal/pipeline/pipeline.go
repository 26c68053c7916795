package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"wbot/internal/cache"
	"wbot/internal/credential"
	"wbot/internal/transport"
)

// StaleAfter is the age past which a delivered message is ignored.
const StaleAfter = 120 * time.Second

// Encoder derives a session string from credentials.
type Encoder interface {
	Encode(ctx context.Context, tenantID string, blob credential.Blob) string
}

// Options wires a Pipeline.
type Options struct {
	Settings  Settings
	Messages  *cache.Messages
	Redirects *cache.Redirects
	Resolver  Resolver
	Encoder   Encoder
	// OwnerID, when set, authorizes the privileged session command for
	// chats whose id contains it.
	OwnerID string
	// SessionImageURL is attached to the session command's reply when set.
	SessionImageURL string
	Clock           clock.Clock
	Logger          zerolog.Logger
}

// Pipeline classifies inbound messages and runs the first matching handler.
type Pipeline struct {
	opts     Options
	clock    clock.Clock
	log      zerolog.Logger
	handlers []handler
}

// handler is a predicate/action pair. Handlers are tried in order and the
// first whose match returns true handles the message.
type handler struct {
	name   string
	match  func(t *turn) bool
	handle func(ctx context.Context, t *turn)
}

// turn is one message being processed.
type turn struct {
	tenantID string
	tr       transport.Transport
	cfg      Config
	msg      transport.Message
	text     string
	owner    string
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	if opts.Messages == nil {
		opts.Messages = cache.NewMessages(cache.MessageTTL, 0)
	}
	if opts.Redirects == nil {
		opts.Redirects = cache.NewRedirects(cache.RedirectTTL, 0)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	p := &Pipeline{
		opts:  opts,
		clock: clk,
		log:   opts.Logger.With().Str("component", "pipeline").Logger(),
	}
	p.handlers = []handler{
		{name: "ping", match: p.isPing, handle: p.handlePing},
		{name: "session", match: p.isSessionRequest, handle: p.handleSessionRequest},
		{name: "reply-redirect", match: p.isRedirectedReply, handle: p.handleRedirectedReply},
		{name: "anti-delete", match: p.isRecoverableRevoke, handle: p.handleRevoke},
		{name: "downloader", match: p.isDownload, handle: p.handleDownload},
		{name: "view-once", match: p.isViewOnceRescue, handle: p.handleViewOnceRescue},
		{name: "status-save", match: p.isStatusSave, handle: p.handleStatusSave},
	}
	return p
}

// Process handles one inbound batch for a connected session.
func (p *Pipeline) Process(ctx context.Context, tenantID string, tr transport.Transport, batch transport.Batch) {
	if batch.Historical {
		p.log.Debug().Str("tenant", tenantID).Int("count", len(batch.Messages)).Msg("Skipped history batch")
		return
	}
	if len(batch.Messages) == 0 {
		return
	}

	cfg := p.config(ctx, tenantID)
	ghosted, ghostAll := p.ghosted(ctx, tenantID)
	now := p.clock.Now()
	owner := tr.OwnerID()

	for _, msg := range batch.Messages {
		if !msg.Timestamp.IsZero() && now.Sub(msg.Timestamp) > StaleAfter {
			p.log.Debug().Str("tenant", tenantID).Str("id", msg.ID).Dur("latency", now.Sub(msg.Timestamp)).Msg("Skipped old message")
			continue
		}

		if !cfg.GhostModeGlobal && !msg.FromMe && !ghostAll && !ghosted[msg.ChatID] {
			if err := tr.MarkRead(ctx, msg.ChatID, msg.SenderID, []string{msg.ID}); err != nil {
				p.log.Debug().Err(err).Str("tenant", tenantID).Msg("Mark read failed")
			}
		}

		if !msg.FromMe {
			p.opts.Messages.Put(tenantID, msg)
		}

		if msg.Content.Kind == transport.KindProtocol {
			continue
		}

		t := &turn{
			tenantID: tenantID,
			tr:       tr,
			cfg:      cfg,
			msg:      msg,
			text:     strings.TrimSpace(msg.Content.Text),
			owner:    owner,
		}
		p.dispatch(ctx, t)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, t *turn) {
	for _, h := range p.handlers {
		if !h.match(t) {
			continue
		}
		p.log.Debug().Str("tenant", t.tenantID).Str("handler", h.name).Str("chat", t.msg.ChatID).Msg("Dispatching")
		h.handle(ctx, t)
		return
	}
}

// config loads the tenant's settings, falling back to defaults with ghost
// mode forced on.
func (p *Pipeline) config(ctx context.Context, tenantID string) Config {
	if p.opts.Settings == nil {
		return DefaultConfig()
	}
	cfg, err := p.opts.Settings.TenantConfig(ctx, tenantID)
	if err != nil {
		p.log.Warn().Err(err).Str("tenant", tenantID).Msg("Using default config, ghost mode on")
		cfg = DefaultConfig()
		cfg.GhostModeGlobal = true
		return cfg
	}
	return cfg.withDefaults()
}

// ghosted returns per-chat ghost flags. When they cannot be loaded every
// chat is treated as ghosted.
func (p *Pipeline) ghosted(ctx context.Context, tenantID string) (map[string]bool, bool) {
	if p.opts.Settings == nil {
		return nil, false
	}
	chats, err := p.opts.Settings.GhostedChats(ctx, tenantID)
	if err != nil {
		p.log.Warn().Err(err).Str("tenant", tenantID).Msg("Could not load contact ghost flags")
		return nil, true
	}
	return chats, false
}

func (p *Pipeline) send(ctx context.Context, t *turn, chatID string, payload transport.Payload) (string, error) {
	id, err := t.tr.Send(ctx, chatID, payload)
	if err != nil {
		p.log.Error().Err(err).Str("tenant", t.tenantID).Str("chat", chatID).Msg("Send failed")
	}
	return id, err
}

func (p *Pipeline) react(ctx context.Context, t *turn, emoji string) {
	p.send(ctx, t, t.msg.ChatID, transport.React(t.msg, emoji))
}
