package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wbot/internal/credential"
	"wbot/internal/transport"
)

const (
	pongText         = "🏓 *WBOT PRO : Pong!*"
	sessionErrorText = "❌ Erreur lors de la génération de la session."
	rescueErrorText  = "❌ Erreur lors de la récupération."
	downloadFailText = "❌ *WBOT:* Impossible de récupérer ce média (Lien invalide ou protégé)."
	savedMarker      = "⭐ *WBOT SAVED*"
)

// ping

func (p *Pipeline) isPing(t *turn) bool {
	return strings.EqualFold(t.text, "!ping")
}

func (p *Pipeline) handlePing(ctx context.Context, t *turn) {
	p.react(ctx, t, "🔵")
	p.send(ctx, t, t.msg.ChatID, transport.Text(pongText))
}

// session dump

func (p *Pipeline) isSessionRequest(t *turn) bool {
	return strings.EqualFold(t.text, "!session")
}

// handleSessionRequest sends the deployment block to the owner's own chat.
// Requests that are neither self-authored nor from the configured owner are
// dropped without a reply.
func (p *Pipeline) handleSessionRequest(ctx context.Context, t *turn) {
	if !p.authorized(t) {
		p.log.Warn().
			Str("tenant", t.tenantID).
			Str("chat", t.msg.ChatID).
			Str("sender", t.msg.SenderID).
			Msg("SECURITY: blocked !session request")
		return
	}
	if t.owner == "" || p.opts.Encoder == nil {
		p.send(ctx, t, t.msg.ChatID, transport.Text(sessionErrorText))
		return
	}

	blob, err := t.tr.Credentials()
	if err != nil {
		p.log.Error().Err(err).Str("tenant", t.tenantID).Msg("Could not export credentials")
		p.send(ctx, t, t.msg.ChatID, transport.Text(sessionErrorText))
		return
	}
	caption := credential.ConfigMessage(credential.Deployment{
		SessionString: p.opts.Encoder.Encode(ctx, t.tenantID, blob),
		TenantID:      t.tenantID,
		Prefix:        t.cfg.ViewOncePrefix,
		OwnerName:     t.tr.OwnerName(),
		Manual:        true,
	})
	payload := transport.Text(caption)
	if p.opts.SessionImageURL != "" {
		payload = transport.Payload{Media: &transport.Media{Kind: transport.KindImage, URL: p.opts.SessionImageURL, Caption: caption}}
	}
	if _, err := p.send(ctx, t, t.owner, payload); err != nil {
		p.send(ctx, t, t.msg.ChatID, transport.Text(sessionErrorText))
		return
	}
	p.log.Info().Str("tenant", t.tenantID).Msg("Session string sent on request")
}

// authorized only requires the chat id to contain the configured owner id,
// so it also matches longer ids. See DESIGN.md before tightening it.
func (p *Pipeline) authorized(t *turn) bool {
	if t.msg.FromMe {
		return true
	}
	return p.opts.OwnerID != "" && strings.Contains(t.msg.ChatID, p.opts.OwnerID)
}

// reply redirection

func (p *Pipeline) isRedirectedReply(t *turn) bool {
	q := t.msg.Content.Quote
	if !t.msg.FromMe || q == nil || q.MessageID == "" {
		return false
	}
	_, ok := p.opts.Redirects.Origin(q.MessageID)
	return ok
}

// handleRedirectedReply relays the owner's reply to the chat the quoted
// rescue came from and marks the reply with exactly one outcome reaction.
func (p *Pipeline) handleRedirectedReply(ctx context.Context, t *turn) {
	origin, _ := p.opts.Redirects.Origin(t.msg.Content.Quote.MessageID)
	emoji := "✅"
	if _, err := p.send(ctx, t, origin, transport.Text(t.text)); err != nil {
		emoji = "❌"
	}
	p.react(ctx, t, emoji)
}

// anti-delete

func (p *Pipeline) isRecoverableRevoke(t *turn) bool {
	c := t.msg.Content
	if c.Kind != transport.KindRevoke || !t.cfg.AntiDelete || c.RevokedID == "" || t.owner == "" {
		return false
	}
	_, ok := p.opts.Messages.Get(t.tenantID, c.RevokedID)
	return ok
}

// handleRevoke delivers the deleted message to the owner: the media when
// it can be fetched again, otherwise its text, otherwise a failure notice.
// Exactly one message is sent.
func (p *Pipeline) handleRevoke(ctx context.Context, t *turn) {
	original, _ := p.opts.Messages.Get(t.tenantID, t.msg.Content.RevokedID)

	chatName := t.msg.ChatID
	if chatName == transport.StatusBroadcast {
		chatName = "Statut"
	}
	caption := fmt.Sprintf("🗑️ *WBOT ANTIDELETE*\n👤 *De:* %s\n💬 *Sur:* %s\n🕒 *Heure:* %s",
		senderName(original), chatName, p.clock.Now().Format("15:04:05"))

	content := original.Content
	if content.Kind == transport.KindViewOnce && content.Inner != nil {
		content = *content.Inner
	}

	var mediaErr error
	if content.Kind.IsMedia() {
		data, err := t.tr.Download(ctx, content)
		if err == nil {
			_, err = p.send(ctx, t, t.owner, mediaPayload(content, data, caption))
		}
		if err == nil {
			return
		}
		mediaErr = err
		p.log.Warn().Err(err).Str("tenant", t.tenantID).Str("id", original.ID).Msg("Deleted media not recoverable")
	}

	if mediaErr == nil && content.Text != "" {
		p.send(ctx, t, t.owner, transport.Text(caption+"\n\n📝 *Message:* \n"+content.Text))
		return
	}

	notice := caption + "\n\n❌ *Erreur:* Média non récupérable (trop ancien ou non mis en cache)."
	if content.Text != "" {
		notice += "\n\n📝 *Légende:* \n" + content.Text
	}
	p.send(ctx, t, t.owner, transport.Text(notice))
}

// downloader

func (p *Pipeline) isDownload(t *turn) bool {
	prefix := strings.ToLower(t.cfg.DownloaderPrefix)
	text := strings.ToLower(t.text)
	return text == prefix || strings.HasPrefix(text, prefix+" ")
}

func (p *Pipeline) handleDownload(ctx context.Context, t *turn) {
	prefix := t.cfg.DownloaderPrefix
	fields := strings.Fields(t.text)
	var pageURL string
	if len(fields) > 1 {
		pageURL = fields[1]
	}
	if pageURL == "" || !strings.Contains(pageURL, "http") {
		usage := fmt.Sprintf("❌ *WBOT:* Ajoutez un lien après \"%s\"\n\nExemple: %s https://tiktok.com/...", prefix, prefix)
		p.send(ctx, t, t.msg.ChatID, transport.Text(usage))
		return
	}

	p.react(ctx, t, "⏳")

	mediaURL, err := p.resolve(ctx, pageURL)
	if err == nil {
		_, err = p.send(ctx, t, t.msg.ChatID, transport.Payload{Media: &transport.Media{
			Kind:    transport.KindVideo,
			URL:     mediaURL,
			Caption: "📥 *WBOT DOWNLOADER*\n🔗 *Source:* " + pageURL,
		}})
	}
	if err != nil {
		p.log.Info().Err(err).Str("tenant", t.tenantID).Str("url", pageURL).Msg("Download failed")
		p.react(ctx, t, "❌")
		p.send(ctx, t, t.msg.ChatID, transport.Text(downloadFailText))
		return
	}
	p.react(ctx, t, "✅")
}

func (p *Pipeline) resolve(ctx context.Context, pageURL string) (string, error) {
	if p.opts.Resolver == nil {
		return "", errors.New("no media resolver configured")
	}
	mediaURL, err := p.opts.Resolver.Resolve(ctx, pageURL)
	if err != nil {
		return "", err
	}
	if mediaURL == "" {
		return "", errors.New("resolver returned no media")
	}
	return mediaURL, nil
}

// view-once rescue

func (p *Pipeline) isViewOnceRescue(t *turn) bool {
	q := t.msg.Content.Quote
	return t.cfg.AntiViewOnce && q != nil && q.Content != nil && t.text == t.cfg.ViewOncePrefix
}

// handleViewOnceRescue forwards the quoted view-once content to the owner
// and remembers where it came from so a reply can be relayed back.
func (p *Pipeline) handleViewOnceRescue(ctx context.Context, t *turn) {
	quoted := t.msg.Content.Quote.Content
	if quoted.Kind != transport.KindViewOnce {
		mismatch := fmt.Sprintf("❌ *WBOT:* Répondez à une vue unique avec \"%s\" pour la sauvegarder.", t.cfg.ViewOncePrefix)
		p.send(ctx, t, t.msg.ChatID, transport.Text(mismatch))
		return
	}

	p.react(ctx, t, "👀")

	inner := quoted.Inner
	if inner == nil || t.owner == "" {
		p.send(ctx, t, t.msg.ChatID, transport.Text(rescueErrorText))
		return
	}

	from := userPart(t.msg.Content.Quote.Participant)
	if from == "" {
		from = "Contact"
	}
	caption := fmt.Sprintf("📸 *WBOT VIEW ONCE RESCUE*\n👤 *De:* %s\n💬 *Chat:* %s", from, t.msg.ChatID)

	var payload transport.Payload
	if inner.Kind.IsMedia() {
		data, err := t.tr.Download(ctx, *inner)
		if err != nil {
			p.log.Error().Err(err).Str("tenant", t.tenantID).Msg("View-once download failed")
			p.send(ctx, t, t.msg.ChatID, transport.Text(rescueErrorText))
			return
		}
		payload = mediaPayload(*inner, data, caption)
	} else {
		payload = transport.Text(caption + "\n\n" + inner.Text)
	}

	sentID, err := p.send(ctx, t, t.owner, payload)
	if err != nil {
		p.send(ctx, t, t.msg.ChatID, transport.Text(rescueErrorText))
		return
	}
	p.opts.Redirects.Put(sentID, t.msg.ChatID)
}

// status saver

func (p *Pipeline) isStatusSave(t *turn) bool {
	q := t.msg.Content.Quote
	return q != nil && q.Content != nil && t.text == t.cfg.StatusSavePrefix
}

func (p *Pipeline) handleStatusSave(ctx context.Context, t *turn) {
	q := t.msg.Content.Quote
	if t.msg.ChatID != transport.StatusBroadcast && q.ChatID != transport.StatusBroadcast {
		mismatch := fmt.Sprintf("❌ *WBOT:* Répondez à un statut avec \"%s\" pour le sauvegarder.", t.cfg.StatusSavePrefix)
		p.send(ctx, t, t.msg.ChatID, transport.Text(mismatch))
		return
	}
	if t.owner == "" {
		return
	}

	p.react(ctx, t, "⭐")

	caption := savedMarker
	if q.Content.Text != "" {
		caption = q.Content.Text + "\n\n" + savedMarker
	}
	sentID, err := p.send(ctx, t, t.owner, transport.Payload{Forward: &transport.Forward{Content: *q.Content, Caption: caption}})
	if err != nil {
		return
	}
	if q.Participant != "" {
		p.opts.Redirects.Put(sentID, q.Participant)
	}
}

func mediaPayload(c transport.Content, data []byte, caption string) transport.Payload {
	m := &transport.Media{Kind: c.Kind, Data: data, Mimetype: c.Mimetype}
	if c.Kind != transport.KindAudio && c.Kind != transport.KindSticker {
		m.Caption = caption
	}
	if c.Kind == transport.KindAudio && m.Mimetype == "" {
		m.Mimetype = "audio/mp4"
	}
	return transport.Payload{Media: m}
}

func senderName(m transport.Message) string {
	if m.PushName != "" {
		return m.PushName
	}
	if u := userPart(m.SenderID); u != "" {
		return u
	}
	return "Inconnu"
}

func userPart(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	return user
}
