// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (Whisper).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// DefaultModel is the default transcription model.
const DefaultModel = oai.AudioModelWhisper1

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  oai.AudioModel
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// self-hosted Whisper servers with an OpenAI-compatible surface.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI transcription Provider. If model is empty,
// DefaultModel (whisper-1) is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	cfg := config{timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	m := oai.AudioModel(model)
	if model == "" {
		m = DefaultModel
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: m}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Segment, error) {
	if len(req.Audio) == 0 {
		return nil, fault.New(fault.ClassPermanent, "empty_audio",
			"meeting %s chunk %d has no audio payload", req.MeetingID, req.ChunkSeq)
	}
	mime := req.MIMEType
	if mime == "" {
		mime = "audio/wav"
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(req.Audio), fmt.Sprintf("chunk-%d.wav", req.ChunkSeq), mime),
		Model: p.model,
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return &stt.Segment{ChunkSeq: req.ChunkSeq, Text: resp.Text}, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "openai" }

// classify maps OpenAI API failures onto the fault taxonomy so the worker
// retries only what retrying can fix.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fault.Wrap(fault.ClassPermanent, "provider_auth", err)
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return fault.Wrap(fault.ClassTransient, "provider_unavailable", err)
		case apiErr.StatusCode >= 400:
			return fault.Wrap(fault.ClassPermanent, "provider_rejected", err)
		}
	}
	// Network-level failures are worth a retry.
	return fault.Wrap(fault.ClassTransient, "provider_unreachable", err)
}
