// Package transport describes the messaging client a session drives. The
// protocol work itself lives behind Transport; the rest of the service only
// sees the types declared here.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// StatusBroadcast is the chat id of the status/story channel.
const StatusBroadcast = "status@broadcast"

var (
	// ErrLoggedOut is reported when the remote side revoked the device.
	ErrLoggedOut = errors.New("device logged out")
	// ErrNotLoggedIn is returned by operations that need a paired device.
	ErrNotLoggedIn = errors.New("device not paired")
	// ErrNoMedia is returned by Download for content without a media body.
	ErrNoMedia = errors.New("content has no downloadable media")
)

// Transport is one tenant's connection to the messaging network.
type Transport interface {
	// Connect opens the connection. Pairing material (QR codes) and the
	// outcome are reported through the EventHandler given to the Factory.
	Connect(ctx context.Context) error
	// Disconnect closes the socket but keeps the stored device.
	Disconnect()
	// Logout unlinks the device remotely and deletes it locally.
	Logout(ctx context.Context) error

	Send(ctx context.Context, chatID string, p Payload) (string, error)
	MarkRead(ctx context.Context, chatID, senderID string, ids []string) error
	Download(ctx context.Context, c Content) ([]byte, error)
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Contacts(ctx context.Context) ([]Contact, error)

	// HasCredentials reports whether a paired device is stored.
	HasCredentials() bool
	// Credentials exports the stored device as a JSON blob.
	Credentials() (json.RawMessage, error)
	// RestoreCredentials imports a blob produced by Credentials.
	RestoreCredentials(ctx context.Context, blob json.RawMessage) error
	// OwnerID is the account's own chat id, empty until paired.
	OwnerID() string
	// OwnerName is the account's display name, if known.
	OwnerName() string
}

// EventHandler receives transport events in the order they occur.
type EventHandler func(Event)

// Factory builds transports and owns their stored devices.
type Factory interface {
	New(ctx context.Context, tenantID string, handler EventHandler) (Transport, error)
	// Purge deletes every stored device for tenantID.
	Purge(ctx context.Context, tenantID string) error
	// StoredTenants lists tenants that have a paired device on disk.
	StoredTenants(ctx context.Context) ([]string, error)
}

// Event is one of QR, Opened, Closed, Messages or ContactsUpdated.
type Event interface{ transportEvent() }

// QR carries a fresh pairing QR code.
type QR struct{ Code string }

// Opened reports a fully authenticated connection.
type Opened struct{}

// Closed reports the end of a connection. LoggedOut marks a terminal close.
type Closed struct {
	LoggedOut bool
	Reason    string
}

// Messages carries a batch of inbound messages.
type Messages struct{ Batch Batch }

// ContactsUpdated carries contacts pushed by the server.
type ContactsUpdated struct{ Contacts []Contact }

func (QR) transportEvent()              {}
func (Opened) transportEvent()          {}
func (Closed) transportEvent()          {}
func (Messages) transportEvent()        {}
func (ContactsUpdated) transportEvent() {}

// Batch is a group of messages delivered together. Historical batches are
// replays from history sync.
type Batch struct {
	Historical bool
	Messages   []Message
}

// Message is an inbound message.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	PushName  string
	FromMe    bool
	Timestamp time.Time
	Content   Content
}

// Contact is an address book entry.
type Contact struct {
	ID   string
	Name string
}

// Kind classifies message content.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindImage
	KindVideo
	KindAudio
	KindDocument
	KindSticker
	KindViewOnce
	KindRevoke
	KindProtocol
)

var kindNames = [...]string{"unknown", "text", "image", "video", "audio", "document", "sticker", "view_once", "revoke", "protocol"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// IsMedia reports whether content of this kind carries a downloadable body.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument, KindSticker:
		return true
	}
	return false
}

// Content is the classified body of a message.
type Content struct {
	Kind Kind
	// Text is the message text or media caption.
	Text     string
	Mimetype string
	// Inner is the wrapped content of a view-once envelope.
	Inner *Content
	// RevokedID is the id of the message a revocation removes.
	RevokedID string
	// Quote is set when the message replies to another one.
	Quote *Quote
	// Raw is the transport's own representation, used by Download and Forward.
	Raw any
}

// Quote describes the message being replied to.
type Quote struct {
	MessageID   string
	Participant string
	// ChatID is the chat of the quoted message when it differs from the reply's.
	ChatID  string
	Content *Content
}

// Payload is an outbound message. Exactly one of Text, Media, Reaction or
// Forward is used, checked in that order of precedence: Reaction, Forward,
// Media, Text.
type Payload struct {
	Text     string
	Media    *Media
	Reaction *Reaction
	Forward  *Forward
}

// Media is an outbound media message, given either by bytes or by URL.
type Media struct {
	Kind     Kind
	Data     []byte
	URL      string
	Caption  string
	Mimetype string
}

// Reaction reacts to an existing message.
type Reaction struct {
	MessageID string
	SenderID  string
	FromMe    bool
	Emoji     string
}

// Forward re-sends existing content, replacing its caption when Caption is set.
type Forward struct {
	Content Content
	Caption string
}

// Text builds a text payload.
func Text(s string) Payload { return Payload{Text: s} }

// React builds a reaction to msg.
func React(msg Message, emoji string) Payload {
	return Payload{Reaction: &Reaction{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		FromMe:    msg.FromMe,
		Emoji:     emoji,
	}}
}
