package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"wbot/internal/transport"
)

// Client is one tenant's whatsmeow connection.
type Client struct {
	tenantID  string
	factory   *Factory
	container *sqlstore.Container
	handler   transport.EventHandler
	log       zerolog.Logger

	mu       sync.RWMutex
	wa       *whatsmeow.Client
	qrCancel context.CancelFunc
}

var _ transport.Transport = (*Client)(nil)

func newClient(tenantID string, f *Factory, container *sqlstore.Container, device *store.Device, handler transport.EventHandler) *Client {
	c := &Client{
		tenantID:  tenantID,
		factory:   f,
		container: container,
		handler:   handler,
		log:       f.log.With().Str("tenant", tenantID).Logger(),
	}
	c.wa = c.newWhatsmeow(device)
	return c
}

func (c *Client) newWhatsmeow(device *store.Device) *whatsmeow.Client {
	wa := whatsmeow.NewClient(device, waLog.Zerolog(c.log.With().Str("module", "client").Logger().Level(zerolog.WarnLevel)))
	// reconnection is driven by the session manager
	wa.EnableAutoReconnect = false
	wa.AddEventHandler(func(evt any) { c.onEvent(wa, evt) })
	return wa
}

func (c *Client) client() *whatsmeow.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wa
}

// Connect opens the socket. Unpaired devices get a QR channel whose codes
// are reported as transport.QR events.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	wa := c.wa
	if wa.Store.ID == nil {
		c.stopQRLocked()
		qrCtx, cancel := context.WithCancel(context.Background())
		ch, err := wa.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			c.mu.Unlock()
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		c.qrCancel = cancel
		go c.watchQR(wa, ch)
	}
	c.mu.Unlock()

	if err := wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect client: %w", err)
	}
	return nil
}

func (c *Client) watchQR(wa *whatsmeow.Client, ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			c.emit(wa, transport.QR{Code: item.Code})
		case "success":
			return
		case "timeout":
			c.log.Info().Msg("QR code timeout")
			c.emit(wa, transport.Closed{Reason: "qr timeout"})
			return
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(wa, transport.Closed{Reason: reason})
			return
		}
	}
}

func (c *Client) stopQRLocked() {
	if c.qrCancel != nil {
		c.qrCancel()
		c.qrCancel = nil
	}
}

// Disconnect closes the socket and keeps the device.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopQRLocked()
	wa := c.wa
	c.mu.Unlock()
	wa.Disconnect()
}

// Logout unlinks the device. When the server cannot be reached the local
// device is deleted anyway.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.stopQRLocked()
	wa := c.wa
	c.mu.Unlock()

	if wa.IsLoggedIn() {
		err := wa.Logout(ctx)
		if err == nil {
			return nil
		}
		c.log.Warn().Err(err).Msg("Remote logout failed, deleting local device")
	}
	wa.Disconnect()
	if wa.Store.ID == nil {
		return nil
	}
	if err := wa.Store.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

// Send delivers p to chatID and returns the new message id.
func (c *Client) Send(ctx context.Context, chatID string, p transport.Payload) (string, error) {
	wa := c.client()
	if wa.Store.ID == nil {
		return "", transport.ErrNotLoggedIn
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	msg, err := c.build(ctx, wa, jid, p)
	if err != nil {
		return "", err
	}
	resp, err := wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) build(ctx context.Context, wa *whatsmeow.Client, chat types.JID, p transport.Payload) (*waE2E.Message, error) {
	switch {
	case p.Reaction != nil:
		sender := types.EmptyJID
		if !p.Reaction.FromMe && p.Reaction.SenderID != "" {
			parsed, err := types.ParseJID(p.Reaction.SenderID)
			if err != nil {
				return nil, fmt.Errorf("invalid sender id %q: %w", p.Reaction.SenderID, err)
			}
			sender = parsed
		}
		return wa.BuildReaction(chat, sender, p.Reaction.MessageID, p.Reaction.Emoji), nil
	case p.Forward != nil:
		return forwardMessage(p.Forward)
	case p.Media != nil:
		return c.upload(ctx, wa, p.Media)
	default:
		return textMessage(p.Text, chat.String() == transport.StatusBroadcast), nil
	}
}

func (c *Client) upload(ctx context.Context, wa *whatsmeow.Client, m *transport.Media) (*waE2E.Message, error) {
	data, mimetype := m.Data, m.Mimetype
	if len(data) == 0 {
		if m.URL == "" {
			return nil, transport.ErrNoMedia
		}
		fetched, fetchedType, err := fetchMedia(ctx, m.URL)
		if err != nil {
			return nil, err
		}
		data = fetched
		if mimetype == "" {
			mimetype = fetchedType
		}
	}
	if mimetype == "" {
		mimetype = http.DetectContentType(data)
	}

	up, err := wa.Upload(ctx, data, mediaType(m.Kind))
	if err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}
	return mediaMessage(m, mimetype, up), nil
}

// MarkRead sends read receipts for ids.
func (c *Client) MarkRead(_ context.Context, chatID, senderID string, ids []string) error {
	chat, err := types.ParseJID(chatID)
	if err != nil {
		return err
	}
	var sender types.JID
	if senderID != "" {
		if sender, err = types.ParseJID(senderID); err != nil {
			return err
		}
	}
	return c.client().MarkRead(ids, time.Now(), chat, sender)
}

// Download fetches and decrypts the media body of content.
func (c *Client) Download(ctx context.Context, content transport.Content) ([]byte, error) {
	dm, err := downloadable(content)
	if err != nil {
		return nil, err
	}
	data, err := c.client().Download(ctx, dm)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return data, nil
}

// RequestPairingCode asks for a phone-number pairing code. The socket must
// already be open.
func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	wa := c.client()
	if wa.Store.ID != nil {
		return "", fmt.Errorf("device already paired")
	}
	code, err := wa.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	return code, nil
}

// Contacts lists the stored address book.
func (c *Client) Contacts(ctx context.Context) ([]transport.Contact, error) {
	wa := c.client()
	if wa.Store.ID == nil {
		return nil, transport.ErrNotLoggedIn
	}
	all, err := wa.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}
	contacts := make([]transport.Contact, 0, len(all))
	for jid, info := range all {
		contacts = append(contacts, transport.Contact{ID: jid.String(), Name: contactName(info)})
	}
	return contacts, nil
}

func contactName(info types.ContactInfo) string {
	for _, name := range []string{info.FullName, info.FirstName, info.PushName, info.BusinessName} {
		if name != "" {
			return name
		}
	}
	return ""
}

func (c *Client) HasCredentials() bool {
	return c.client().Store.ID != nil
}

func (c *Client) Credentials() (json.RawMessage, error) {
	return exportDevice(c.client().Store)
}

// RestoreCredentials replaces the stored device with the one in blob. The
// client must be reconnected afterwards.
func (c *Client) RestoreCredentials(ctx context.Context, blob json.RawMessage) error {
	device := c.container.NewDevice()
	if err := importDevice(device, blob); err != nil {
		return err
	}

	c.mu.Lock()
	c.stopQRLocked()
	old := c.wa
	c.mu.Unlock()
	old.Disconnect()

	if old.Store.ID != nil && *old.Store.ID != *device.ID {
		if err := old.Store.Delete(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Could not delete replaced device")
		}
	}
	if err := c.container.PutDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to store device: %w", err)
	}
	c.factory.remember(ctx, c.tenantID, *device.ID)

	c.mu.Lock()
	c.wa = c.newWhatsmeow(device)
	c.mu.Unlock()
	c.log.Info().Str("jid", device.ID.String()).Msg("Credentials restored")
	return nil
}

func (c *Client) OwnerID() string {
	id := c.client().Store.ID
	if id == nil {
		return ""
	}
	return id.ToNonAD().String()
}

func (c *Client) OwnerName() string {
	return c.client().Store.PushName
}

// emit forwards ev unless wa has been replaced by a restore.
func (c *Client) emit(wa *whatsmeow.Client, ev transport.Event) {
	if c.client() != wa || c.handler == nil {
		return
	}
	c.handler(ev)
}
