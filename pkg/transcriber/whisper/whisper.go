// Package whisper provides a transcription engine backed by a running
// whisper-server binary (whisper.cpp), which exposes a batch REST API at
// POST /inference.
//
// Each audio packet is wrapped in a RIFF/WAV container and submitted as a
// single multipart inference request. whisper.cpp does not report per-request
// compute cost, so usage is charged by payload length with the same cost
// model as the local engine.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/tessira/echogate/pkg/transcriber"
)

const (
	defaultSampleRate   = 16000
	defaultChannels     = 1
	defaultBytesPerWord = 16000
	defaultMsPerWord    = 250
	defaultTimeout      = 60 * time.Second
)

// Compile-time assertions.
var (
	_ transcriber.Engine        = (*Engine)(nil)
	_ transcriber.CostEstimator = (*Engine)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		e.language = lang
	}
}

// WithSampleRate sets the sample rate declared in the WAV header. This must
// match the actual rate of the PCM payloads. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		e.sampleRate = rate
	}
}

// WithCostModel overrides the bytes-per-word and ms-per-word parameters used
// to meter usage for each packet.
func WithCostModel(bytesPerWord int, msPerWord int64) Option {
	return func(e *Engine) {
		if bytesPerWord > 0 {
			e.bytesPerWord = bytesPerWord
		}
		if msPerWord > 0 {
			e.msPerWord = msPerWord
		}
	}
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = client
	}
}

// Engine implements transcriber.Engine against a whisper.cpp HTTP server.
// It is safe for concurrent use; each Transcribe call is an independent
// inference request.
type Engine struct {
	serverURL    string
	model        string
	language     string
	sampleRate   int
	channels     int
	bytesPerWord int
	msPerWord    int64
	httpClient   *http.Client
}

// New creates an Engine that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:    serverURL,
		language:     "en",
		sampleRate:   defaultSampleRate,
		channels:     defaultChannels,
		bytesPerWord: defaultBytesPerWord,
		msPerWord:    defaultMsPerWord,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Transcribe submits audio as a batch inference request and returns the
// transcribed text. The whisper.cpp API does not report confidence, so the
// result carries a confidence of 1.
func (e *Engine) Transcribe(ctx context.Context, audio []byte) (transcriber.Result, error) {
	text, err := e.infer(ctx, audio)
	if err != nil {
		return transcriber.Result{}, err
	}
	return transcriber.Result{
		Text:       text,
		Confidence: 1,
		UsedMs:     transcriber.CostMs(len(audio), e.bytesPerWord, e.msPerWord),
	}, nil
}

// EstimateMs implements [transcriber.CostEstimator].
func (e *Engine) EstimateMs(n int) int64 {
	return transcriber.CostMs(n, e.bytesPerWord, e.msPerWord)
}

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp /inference
// endpoint as multipart/form-data. It returns the transcribed text or an error.
func (e *Engine) infer(ctx context.Context, pcm []byte) (string, error) {
	wav := transcriber.EncodeWAV(pcm, e.sampleRate, e.channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	if e.language != "" {
		if err := mw.WriteField("language", e.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if e.model != "" {
		if err := mw.WriteField("model", e.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := e.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return result.Text, nil
}
