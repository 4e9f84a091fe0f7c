// Package openai provides a transcription engine backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tessira/echogate/pkg/transcriber"
)

const (
	defaultSampleRate   = 16000
	defaultChannels     = 1
	defaultBytesPerWord = 16000
	defaultMsPerWord    = 250
)

// Compile-time assertions.
var (
	_ transcriber.Engine        = (*Engine)(nil)
	_ transcriber.CostEstimator = (*Engine)(nil)
)

// config holds optional configuration for the engine.
type config struct {
	baseURL      string
	model        string
	sampleRate   int
	timeout      time.Duration
	bytesPerWord int
	msPerWord    int64
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel selects the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithSampleRate sets the sample rate declared in the uploaded WAV header.
// Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(c *config) {
		c.sampleRate = rate
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithCostModel overrides the bytes-per-word and ms-per-word parameters used
// to meter usage for each packet.
func WithCostModel(bytesPerWord int, msPerWord int64) Option {
	return func(c *config) {
		if bytesPerWord > 0 {
			c.bytesPerWord = bytesPerWord
		}
		if msPerWord > 0 {
			c.msPerWord = msPerWord
		}
	}
}

// Engine implements transcriber.Engine using the OpenAI API. The API reports
// neither confidence nor compute cost, so results carry a confidence of 1 and
// usage is charged by payload length.
type Engine struct {
	client       oai.Client
	model        string
	sampleRate   int
	bytesPerWord int
	msPerWord    int64
}

// New constructs a new OpenAI transcription Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{
		sampleRate:   defaultSampleRate,
		bytesPerWord: defaultBytesPerWord,
		msPerWord:    defaultMsPerWord,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	model := cfg.model
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}

	return &Engine{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		sampleRate:   cfg.sampleRate,
		bytesPerWord: cfg.bytesPerWord,
		msPerWord:    cfg.msPerWord,
	}, nil
}

// EstimateMs implements [transcriber.CostEstimator].
func (e *Engine) EstimateMs(n int) int64 {
	return transcriber.CostMs(n, e.bytesPerWord, e.msPerWord)
}

// Transcribe implements [transcriber.Engine].
func (e *Engine) Transcribe(ctx context.Context, audio []byte) (transcriber.Result, error) {
	wav := transcriber.EncodeWAV(audio, e.sampleRate, defaultChannels)

	resp, err := e.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(e.model),
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
	})
	if err != nil {
		return transcriber.Result{}, fmt.Errorf("openai: transcribe: %w", err)
	}

	return transcriber.Result{
		Text:       resp.Text,
		Confidence: 1,
		UsedMs:     transcriber.CostMs(len(audio), e.bytesPerWord, e.msPerWord),
	}, nil
}
