package credential

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
)

// Session string prefixes, one per format generation.
const (
	PrefixV4        = "WBOT-MD_V4_"
	PrefixV3        = "WBOT-MD_V3_"
	PrefixV2        = "WBOT-MD_V2_"
	PrefixOVL       = "OVL-MD-V2_"
	PrefixOVLLegacy = "OVL-MD-V2"
)

// Blob is the transport's credential record. The codec only checks that it
// is a JSON object.
type Blob = json.RawMessage

// DumpStore is the persistence side of the indirect (V4) format.
type DumpStore interface {
	// PrimaryDump reads the dump kept on the tenant settings row.
	PrimaryDump(ctx context.Context, id string) (Blob, error)
	// SecondaryDump reads the dump kept in the key/value session table.
	SecondaryDump(ctx context.Context, id string) (Blob, error)
	// SaveDump stores blob under tenantID in both tables.
	SaveDump(ctx context.Context, tenantID string, blob Blob) error
}

// ErrNotFound is returned by a DumpStore when no dump exists for an id.
var ErrNotFound = errors.New("credential dump not found")

// DecodeError is returned when every decoding strategy failed.
type DecodeError struct {
	Attempts []error
}

func (e *DecodeError) Error() string {
	msgs := make([]string, 0, len(e.Attempts))
	for _, err := range e.Attempts {
		msgs = append(msgs, err.Error())
	}
	return "decode session string: " + strings.Join(msgs, "; ")
}

func (e *DecodeError) Unwrap() []error { return e.Attempts }

type strategy struct {
	name   string
	prefix string
	decode func(ctx context.Context, payload string) (Blob, error)
}

// Codec converts credential blobs to and from session strings.
type Codec struct {
	store      DumpStore
	log        zerolog.Logger
	strategies []strategy
}

// NewCodec creates a codec. store may be nil, in which case the indirect
// format can neither be produced nor resolved.
func NewCodec(store DumpStore, log zerolog.Logger) *Codec {
	c := &Codec{store: store, log: log.With().Str("component", "credential").Logger()}
	c.strategies = []strategy{
		{name: "v4", prefix: PrefixV4, decode: c.decodeIndirect},
		{name: "v3", prefix: PrefixV3, decode: decodeCompressed},
		{name: "v2", prefix: PrefixV2, decode: decodePlain},
		{name: "ovl", prefix: PrefixOVL, decode: decodePlain},
		{name: "ovl-legacy", prefix: PrefixOVLLegacy, decode: decodePlain},
		{name: "raw", prefix: "", decode: decodePlain},
	}
	return c
}

// Decode resolves a session string into a credential blob. Strategies whose
// prefix matches are tried in order; a failing stage moves on to the next
// one and the bare base64 strategy is always tried last.
func (c *Codec) Decode(ctx context.Context, encoded string) (Blob, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, &DecodeError{Attempts: []error{errors.New("empty session string")}}
	}

	var attempts []error
	for _, s := range c.strategies {
		if !strings.HasPrefix(encoded, s.prefix) {
			continue
		}
		payload := strings.TrimPrefix(encoded, s.prefix)
		blob, err := s.decode(ctx, payload)
		if err == nil {
			c.log.Debug().Str("format", s.name).Msg("Session string decoded")
			return blob, nil
		}
		attempts = append(attempts, fmt.Errorf("%s: %w", s.name, err))
	}
	return nil, &DecodeError{Attempts: attempts}
}

// Encode produces the session string for blob. The indirect form is used
// when the dump store accepts the blob; otherwise the self-contained base64
// form is returned.
func (c *Codec) Encode(ctx context.Context, tenantID string, blob Blob) string {
	if c.store != nil && tenantID != "" {
		err := c.store.SaveDump(ctx, tenantID, blob)
		if err == nil {
			return PrefixV4 + tenantID
		}
		c.log.Warn().Err(err).Str("tenant", tenantID).Msg("Failed to store session dump, falling back to inline format")
	}
	s, err := EncodeInline(blob, false)
	if err != nil {
		// blob was not valid JSON; base64 it as is so nothing is lost.
		return PrefixV2 + base64.StdEncoding.EncodeToString(blob)
	}
	return s
}

// EncodeInline returns the V2 (compressed=false) or V3 session string.
func EncodeInline(blob Blob, compressed bool) (string, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, blob); err != nil {
		return "", fmt.Errorf("compact credential json: %w", err)
	}
	if !compressed {
		return PrefixV2 + base64.StdEncoding.EncodeToString(compact.Bytes()), nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(compact.Bytes()); err != nil {
		return "", fmt.Errorf("compress credentials: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress credentials: %w", err)
	}
	return PrefixV3 + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (c *Codec) decodeIndirect(ctx context.Context, id string) (Blob, error) {
	if c.store == nil {
		return nil, errors.New("no dump store configured")
	}
	if id == "" {
		return nil, errors.New("missing session identifier")
	}

	blob, err := c.store.PrimaryDump(ctx, id)
	if err == nil && len(blob) > 0 {
		return checkObject(blob)
	}
	c.log.Debug().Err(err).Str("session", id).Msg("Dump not on settings row, trying session table")

	blob, err = c.store.SecondaryDump(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup %s in both tables: %w", id, err)
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("lookup %s in both tables: %w", id, ErrNotFound)
	}
	return checkObject(blob)
}

func decodeCompressed(_ context.Context, payload string) (Blob, error) {
	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open zlib stream: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return checkObject(data)
}

func decodePlain(_ context.Context, payload string) (Blob, error) {
	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, err
	}
	return checkObject(raw)
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty payload")
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	return raw, nil
}

func checkObject(data []byte) (Blob, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		return nil, errors.New("payload is not a JSON object")
	}
	return Blob(data), nil
}
