package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tessira/echogate/pkg/transcriber/openai"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestTranscribe_ReturnsTextAndMeteredCost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": "quarterly review"})
	}))
	defer srv.Close()

	eng, err := openai.New("test-key", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	res, err := eng.Transcribe(context.Background(), make([]byte, 32000))
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}

	if res.Text != "quarterly review" {
		t.Errorf("Text = %q, want %q", res.Text, "quarterly review")
	}
	if res.UsedMs != 500 {
		t.Errorf("UsedMs = %d, want 500", res.UsedMs)
	}
}

func TestTranscribe_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"invalid file"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	eng, err := openai.New("test-key", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := eng.Transcribe(context.Background(), []byte{1}); err == nil {
		t.Fatal("expected error for API failure")
	}
}
