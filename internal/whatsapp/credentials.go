package whatsapp

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
	"google.golang.org/protobuf/proto"

	"wbot/internal/transport"
)

// deviceDump is the portable form of a paired device. It carries the
// identity needed to log back in; signal sessions are re-established by the
// server after restore.
type deviceDump struct {
	NoiseKey       []byte     `json:"noiseKey"`
	IdentityKey    []byte     `json:"identityKey"`
	SignedPreKey   preKeyDump `json:"signedPreKey"`
	RegistrationID uint32     `json:"registrationId"`
	AdvSecretKey   []byte     `json:"advSecretKey"`
	Me             string     `json:"me"`
	LID            string     `json:"lid,omitempty"`
	Account        []byte     `json:"account"`
	Platform       string     `json:"platform,omitempty"`
	BusinessName   string     `json:"businessName,omitempty"`
	PushName       string     `json:"pushName,omitempty"`
}

type preKeyDump struct {
	KeyID     uint32 `json:"keyId"`
	Private   []byte `json:"private"`
	Signature []byte `json:"signature"`
}

// exportDevice serializes a paired device.
func exportDevice(d *store.Device) (json.RawMessage, error) {
	if d == nil || d.ID == nil {
		return nil, transport.ErrNotLoggedIn
	}
	if d.NoiseKey == nil || d.IdentityKey == nil || d.SignedPreKey == nil || d.SignedPreKey.Signature == nil {
		return nil, errors.New("device keys incomplete")
	}

	dump := deviceDump{
		NoiseKey:       d.NoiseKey.Priv[:],
		IdentityKey:    d.IdentityKey.Priv[:],
		RegistrationID: d.RegistrationID,
		AdvSecretKey:   d.AdvSecretKey,
		Me:             d.ID.String(),
		Platform:       d.Platform,
		BusinessName:   d.BusinessName,
		PushName:       d.PushName,
		SignedPreKey: preKeyDump{
			KeyID:     d.SignedPreKey.KeyID,
			Private:   d.SignedPreKey.Priv[:],
			Signature: d.SignedPreKey.Signature[:],
		},
	}
	if !d.LID.IsEmpty() {
		dump.LID = d.LID.String()
	}
	if d.Account != nil {
		account, err := proto.Marshal(d.Account)
		if err != nil {
			return nil, fmt.Errorf("marshal account: %w", err)
		}
		dump.Account = account
	}
	return json.Marshal(dump)
}

// importDevice copies a dump onto a fresh device from the store.
func importDevice(d *store.Device, blob json.RawMessage) error {
	var dump deviceDump
	if err := json.Unmarshal(blob, &dump); err != nil {
		return fmt.Errorf("parse device dump: %w", err)
	}

	noise, err := keyPair(dump.NoiseKey)
	if err != nil {
		return fmt.Errorf("noise key: %w", err)
	}
	identity, err := keyPair(dump.IdentityKey)
	if err != nil {
		return fmt.Errorf("identity key: %w", err)
	}
	signed, err := keyPair(dump.SignedPreKey.Private)
	if err != nil {
		return fmt.Errorf("signed pre-key: %w", err)
	}
	if len(dump.SignedPreKey.Signature) != 64 {
		return errors.New("signed pre-key signature must be 64 bytes")
	}
	var sig [64]byte
	copy(sig[:], dump.SignedPreKey.Signature)

	me, err := types.ParseJID(dump.Me)
	if err != nil || dump.Me == "" {
		return fmt.Errorf("device jid %q invalid", dump.Me)
	}

	d.NoiseKey = noise
	d.IdentityKey = identity
	d.SignedPreKey = &keys.PreKey{KeyPair: *signed, KeyID: dump.SignedPreKey.KeyID, Signature: &sig}
	d.RegistrationID = dump.RegistrationID
	d.AdvSecretKey = dump.AdvSecretKey
	d.ID = &me
	d.Platform = dump.Platform
	d.BusinessName = dump.BusinessName
	d.PushName = dump.PushName
	if dump.LID != "" {
		if lid, err := types.ParseJID(dump.LID); err == nil {
			d.LID = lid
		}
	}
	if len(dump.Account) > 0 {
		var account waAdv.ADVSignedDeviceIdentity
		if err := proto.Unmarshal(dump.Account, &account); err != nil {
			return fmt.Errorf("parse account: %w", err)
		}
		d.Account = &account
	}
	return nil
}

func keyPair(priv []byte) (*keys.KeyPair, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(priv))
	}
	var k [32]byte
	copy(k[:], priv)
	return keys.NewKeyPairFromPrivateKey(k), nil
}
