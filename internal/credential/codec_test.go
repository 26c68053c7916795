package credential

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
)

type fakeDumpStore struct {
	primary   map[string]Blob
	secondary map[string]Blob
	saveErr   error
	saved     map[string]Blob
}

func newFakeDumpStore() *fakeDumpStore {
	return &fakeDumpStore{
		primary:   map[string]Blob{},
		secondary: map[string]Blob{},
		saved:     map[string]Blob{},
	}
}

func (f *fakeDumpStore) PrimaryDump(_ context.Context, id string) (Blob, error) {
	if b, ok := f.primary[id]; ok {
		return b, nil
	}
	return nil, ErrNotFound
}

func (f *fakeDumpStore) SecondaryDump(_ context.Context, id string) (Blob, error) {
	if b, ok := f.secondary[id]; ok {
		return b, nil
	}
	return nil, ErrNotFound
}

func (f *fakeDumpStore) SaveDump(_ context.Context, tenantID string, blob Blob) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[tenantID] = blob
	f.secondary[tenantID] = blob
	return nil
}

const sampleBlob = `{"noise_key":"AAEC","registration_id":4242,"platform":"android"}`

func TestInlineRoundTrip(t *testing.T) {
	codec := NewCodec(nil, zerolog.Nop())
	blobs := []string{
		sampleBlob,
		`{}`,
		`{"nested":{"a":[1,2,3],"b":"é ✅"}}`,
	}
	for _, compressed := range []bool{false, true} {
		for _, blob := range blobs {
			encoded, err := EncodeInline(Blob(blob), compressed)
			if err != nil {
				t.Fatalf("EncodeInline(%s, %v): %v", blob, compressed, err)
			}
			wantPrefix := PrefixV2
			if compressed {
				wantPrefix = PrefixV3
			}
			if !strings.HasPrefix(encoded, wantPrefix) {
				t.Fatalf("encoded %q does not start with %q", encoded, wantPrefix)
			}
			got, err := codec.Decode(context.Background(), encoded)
			if err != nil {
				t.Fatalf("Decode(%q): %v", encoded, err)
			}
			if string(got) != blob {
				t.Fatalf("round trip mismatch: got %s, want %s", got, blob)
			}
		}
	}
}

func TestDecodePrefixes(t *testing.T) {
	plain := base64.StdEncoding.EncodeToString([]byte(sampleBlob))

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write([]byte(sampleBlob))
	zw.Close()
	compressed := base64.StdEncoding.EncodeToString(buf.Bytes())

	tests := []struct {
		name    string
		encoded string
	}{
		{"v2", PrefixV2 + plain},
		{"v3", PrefixV3 + compressed},
		{"ovl", PrefixOVL + plain},
		{"ovl legacy", PrefixOVLLegacy + plain},
		{"bare base64", plain},
		{"surrounding whitespace", "  " + PrefixV2 + plain + "\n"},
		{"unpadded base64", PrefixV2 + strings.TrimRight(plain, "=")},
	}

	codec := NewCodec(nil, zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Decode(context.Background(), tt.encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if string(got) != sampleBlob {
				t.Fatalf("got %s, want %s", got, sampleBlob)
			}
		})
	}
}

func TestDecodeIndirect(t *testing.T) {
	store := newFakeDumpStore()
	store.primary["tenant-a"] = Blob(`{"from":"settings"}`)
	store.secondary["tenant-a"] = Blob(`{"from":"sessions"}`)
	store.secondary["tenant-b"] = Blob(`{"from":"sessions"}`)
	codec := NewCodec(store, zerolog.Nop())

	tests := []struct {
		id   string
		want string
	}{
		{"tenant-a", `{"from":"settings"}`},
		{"tenant-b", `{"from":"sessions"}`},
	}
	for _, tt := range tests {
		got, err := codec.Decode(context.Background(), PrefixV4+tt.id)
		if err != nil {
			t.Fatalf("Decode(%s): %v", tt.id, err)
		}
		if string(got) != tt.want {
			t.Fatalf("Decode(%s) = %s, want %s", tt.id, got, tt.want)
		}
	}
}

func TestDecodeFailures(t *testing.T) {
	codec := NewCodec(newFakeDumpStore(), zerolog.Nop())
	inputs := []string{
		"",
		PrefixV4 + "missing-tenant",
		PrefixV3 + base64.StdEncoding.EncodeToString([]byte("not zlib")),
		PrefixV2 + "%%%not base64%%%",
		PrefixV2 + base64.StdEncoding.EncodeToString([]byte(`["array"]`)),
		base64.StdEncoding.EncodeToString([]byte("plain text")),
	}
	for _, in := range inputs {
		_, err := codec.Decode(context.Background(), in)
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			t.Fatalf("Decode(%q) error = %v, want *DecodeError", in, err)
		}
		if len(decErr.Attempts) == 0 {
			t.Fatalf("Decode(%q) recorded no attempts", in)
		}
	}
}

func TestDecodeIndirectMissingIncludesNotFound(t *testing.T) {
	codec := NewCodec(newFakeDumpStore(), zerolog.Nop())
	_, err := codec.Decode(context.Background(), PrefixV4+"nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error %v does not wrap ErrNotFound", err)
	}
}

func TestEncodePrefersIndirect(t *testing.T) {
	store := newFakeDumpStore()
	codec := NewCodec(store, zerolog.Nop())

	got := codec.Encode(context.Background(), "tenant-a", Blob(sampleBlob))
	if got != PrefixV4+"tenant-a" {
		t.Fatalf("Encode = %q, want indirect form", got)
	}
	if string(store.saved["tenant-a"]) != sampleBlob {
		t.Fatalf("dump not stored: %s", store.saved["tenant-a"])
	}

	decoded, err := codec.Decode(context.Background(), got)
	if err != nil {
		t.Fatalf("Decode(%q): %v", got, err)
	}
	if string(decoded) != sampleBlob {
		t.Fatalf("indirect round trip = %s", decoded)
	}
}

func TestEncodeFallsBackToInline(t *testing.T) {
	store := newFakeDumpStore()
	store.saveErr = errors.New("database unavailable")
	codec := NewCodec(store, zerolog.Nop())

	got := codec.Encode(context.Background(), "tenant-a", Blob(sampleBlob))
	if !strings.HasPrefix(got, PrefixV2) {
		t.Fatalf("Encode = %q, want %s fallback", got, PrefixV2)
	}
	decoded, err := NewCodec(nil, zerolog.Nop()).Decode(context.Background(), got)
	if err != nil {
		t.Fatalf("Decode without store: %v", err)
	}
	if string(decoded) != sampleBlob {
		t.Fatalf("decoded %s", decoded)
	}

	if got := NewCodec(nil, zerolog.Nop()).Encode(context.Background(), "tenant-a", Blob(sampleBlob)); !strings.HasPrefix(got, PrefixV2) {
		t.Fatalf("Encode without store = %q", got)
	}
}
