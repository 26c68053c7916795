package whatsapp

import (
	"context"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wbot/internal/transport"
)

// onEvent maps whatsmeow events to transport events.
func (c *Client) onEvent(wa *whatsmeow.Client, evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		c.emit(wa, transport.Opened{})
	case *events.PairSuccess:
		c.log.Info().Str("jid", v.ID.String()).Str("platform", v.Platform).Msg("Device paired")
		c.factory.remember(context.Background(), c.tenantID, v.ID)
	case *events.LoggedOut:
		c.emit(wa, transport.Closed{LoggedOut: true, Reason: v.Reason.String()})
	case *events.ConnectFailure:
		c.emit(wa, transport.Closed{LoggedOut: v.Reason.IsLoggedOut(), Reason: v.Reason.String()})
	case *events.StreamReplaced:
		c.emit(wa, transport.Closed{Reason: "stream replaced"})
	case *events.TemporaryBan:
		c.emit(wa, transport.Closed{Reason: v.String()})
	case *events.ClientOutdated:
		c.emit(wa, transport.Closed{Reason: "client outdated"})
	case *events.Disconnected:
		c.emit(wa, transport.Closed{Reason: "connection lost"})
	case *events.Message:
		c.emit(wa, transport.Messages{Batch: transport.Batch{
			Messages: []transport.Message{convertMessage(v)},
		}})
	case *events.HistorySync:
		if batch := c.history(wa, v); len(batch.Messages) > 0 {
			c.emit(wa, transport.Messages{Batch: batch})
		}
	case *events.Contact:
		name := v.Action.GetFullName()
		if name == "" {
			name = v.Action.GetFirstName()
		}
		c.emit(wa, transport.ContactsUpdated{Contacts: []transport.Contact{{ID: v.JID.String(), Name: name}}})
	}
}

func convertMessage(evt *events.Message) transport.Message {
	info := evt.Info
	viewOnce := evt.IsViewOnce || evt.IsViewOnceV2 || evt.IsViewOnceV2Extension
	return transport.Message{
		ID:        info.ID,
		ChatID:    info.Chat.String(),
		SenderID:  info.Sender.ToNonAD().String(),
		PushName:  info.PushName,
		FromMe:    info.IsFromMe,
		Timestamp: info.Timestamp,
		Content:   classify(evt.Message, viewOnce),
	}
}

// history flattens a history sync blob into one historical batch.
func (c *Client) history(wa *whatsmeow.Client, evt *events.HistorySync) transport.Batch {
	batch := transport.Batch{Historical: true}
	for _, conv := range evt.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			msg, err := wa.ParseWebMessage(chat, hm.GetMessage())
			if err != nil {
				c.log.Debug().Err(err).Str("chat", chat.String()).Msg("Skipping unparsable history message")
				continue
			}
			batch.Messages = append(batch.Messages, convertMessage(msg))
		}
	}
	return batch
}
