package aura

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSynthesize(t *testing.T) {
	t.Parallel()

	want := []byte{0xff, 0x7f, 0x00, 0x80}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token dg-key" {
			t.Errorf("auth header: got %q", got)
		}
		q := r.URL.Query()
		if q.Get("model") != "aura-asteria-en" {
			t.Errorf("model: got %q", q.Get("model"))
		}
		if q.Get("encoding") != "mulaw" || q.Get("sample_rate") != "8000" {
			t.Errorf("audio params: %v", q)
		}

		var body struct {
			Text string `json:"text"`
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil || body.Text != "Hello there." {
			t.Errorf("request body: %s", raw)
		}
		w.Write(want)
	}))
	defer srv.Close()

	p, err := New("dg-key", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), "Hello there.", "aura-asteria-en")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(audio, want) {
		t.Errorf("audio: want %v, got %v", want, audio)
	}
}

func TestSynthesize_DefaultVoice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("model"); got != DefaultVoice {
			t.Errorf("model: want %q, got %q", DefaultVoice, got)
		}
		w.Write([]byte{1})
	}))
	defer srv.Close()

	p, _ := New("dg-key", WithEndpoint(srv.URL))
	if _, err := p.Synthesize(context.Background(), "hi", ""); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
}

func TestSynthesize_UpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"err_msg":"bad model"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _ := New("dg-key", WithEndpoint(srv.URL))
	if _, err := p.Synthesize(context.Background(), "hi", "nope"); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	p, _ := New("dg-key")
	if _, err := p.Synthesize(context.Background(), "", "aura-asteria-en"); err == nil {
		t.Error("expected error for empty text")
	}
}
