package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/resolve" {
			http.NotFound(w, r)
			return
		}
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Platform {
		case "tiktok":
			json.NewEncoder(w).Encode(resolveResponse{URL: "https://cdn.example/v.mp4"})
		case "instagram":
			json.NewEncoder(w).Encode(resolveResponse{Error: "private post"})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	rs := NewResolverService(srv.URL + "/")
	ctx := context.Background()

	got, err := rs.Resolve(ctx, "https://www.tiktok.com/@a/video/1")
	if err != nil || got != "https://cdn.example/v.mp4" {
		t.Fatalf("unexpected result %q, %v", got, err)
	}
	if _, err := rs.Resolve(ctx, "https://instagram.com/p/1"); err == nil || err.Error() != "private post" {
		t.Fatalf("expected resolver error, got %v", err)
	}
	if _, err := rs.Resolve(ctx, "https://fb.watch/x"); err == nil {
		t.Fatal("expected error on bad status")
	}
	if _, err := rs.Resolve(ctx, "https://example.com/x"); !errors.Is(err, ErrUnsupportedLink) {
		t.Fatalf("expected ErrUnsupportedLink, got %v", err)
	}
}

func TestResolveUnconfigured(t *testing.T) {
	if _, err := NewResolverService("").Resolve(context.Background(), "https://tiktok.com/x"); err == nil {
		t.Fatal("expected error")
	}
}
