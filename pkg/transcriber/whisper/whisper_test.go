package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tessira/echogate/pkg/transcriber/whisper"
)

func TestNew_RequiresServerURL(t *testing.T) {
	t.Parallel()

	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty server URL")
	}
}

func TestTranscribe_SubmitsInferenceRequest(t *testing.T) {
	t.Parallel()

	var gotLanguage, gotModel string
	var gotWAVLen int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path = %q, want /inference", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart form: %v", err)
			return
		}
		gotLanguage = r.FormValue("language")
		gotModel = r.FormValue("model")

		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			t.Errorf("read uploaded file: %v", err)
			return
		}
		gotWAVLen = len(data)

		json.NewEncoder(w).Encode(map[string]string{"text": "hello world"})
	}))
	defer srv.Close()

	eng, err := whisper.New(srv.URL,
		whisper.WithLanguage("de"),
		whisper.WithModel("base.en"),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	pcm := make([]byte, 16000)
	res, err := eng.Transcribe(context.Background(), pcm)
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}

	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
	if res.UsedMs != 250 {
		t.Errorf("UsedMs = %d, want 250", res.UsedMs)
	}
	if gotLanguage != "de" {
		t.Errorf("language field = %q, want %q", gotLanguage, "de")
	}
	if gotModel != "base.en" {
		t.Errorf("model field = %q, want %q", gotModel, "base.en")
	}
	// 44-byte WAV header + PCM payload.
	if gotWAVLen != 44+len(pcm) {
		t.Errorf("uploaded WAV length = %d, want %d", gotWAVLen, 44+len(pcm))
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	eng, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := eng.Transcribe(context.Background(), []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for HTTP 500 response")
	}
}

func TestTranscribe_CostModelOverride(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	eng, err := whisper.New(srv.URL, whisper.WithCostModel(100, 10))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	res, err := eng.Transcribe(context.Background(), make([]byte, 150))
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if res.UsedMs != 20 {
		t.Errorf("UsedMs = %d, want 20", res.UsedMs)
	}
}
