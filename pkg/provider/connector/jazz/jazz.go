// Package jazz implements connector.Provider against the SaluteJazz
// conferencing HTTP API.
//
// All calls are bearer-authenticated JSON over HTTP. Failures are classified
// for the lifecycle manager: 401/403 as auth, 400/404/422 as bad_request,
// undecodable bodies as invalid_response (all permanent); 408/429/5xx and
// transport errors as transient.
package jazz

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/connector"
)

// maxResponseBytes caps how much of a provider response is read; a chunk
// batch of 16 one-minute opus fragments stays well below this.
const maxResponseBytes = 64 << 20

// Config holds the provider connection settings.
type Config struct {
	// BaseURL is the API root, e.g. "https://jazz.example.com/api". Required.
	BaseURL string

	// Token is the bearer credential. Required.
	Token string

	// Timeout bounds each HTTP call. Default: 10s.
	Timeout time.Duration
}

// Provider implements [connector.Provider] over the SaluteJazz HTTP API.
type Provider struct {
	base   string
	token  string
	client *http.Client
}

var _ connector.Provider = (*Provider)(nil)

// New validates cfg and returns a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("jazz connector: base URL is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("jazz connector: token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Provider{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements [connector.Provider].
func (p *Provider) Name() string { return "jazz" }

// Join implements [connector.Provider].
func (p *Provider) Join(ctx context.Context, meetingID string) (*connector.Session, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	err := p.do(ctx, http.MethodPost, "/v1/meetings/"+meetingID+"/join", nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, fault.New(fault.ClassPermanent, "invalid_response",
			"jazz join for %s returned no session_id", meetingID)
	}
	return &connector.Session{MeetingID: meetingID, ProviderRef: resp.SessionID}, nil
}

// Leave implements [connector.Provider]. A 404 means the provider already
// dropped the session and is treated as success.
func (p *Provider) Leave(ctx context.Context, meetingID, providerRef string) error {
	body := map[string]string{"session_id": providerRef}
	err := p.do(ctx, http.MethodPost, "/v1/meetings/"+meetingID+"/leave", body, nil)
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Code == "bad_request" {
		return nil
	}
	return err
}

// PullChunks implements [connector.Provider].
func (p *Provider) PullChunks(ctx context.Context, meetingID, providerRef string, max int) ([]connector.Chunk, error) {
	var resp struct {
		Chunks []struct {
			MediaB64 string `json:"media_b64"`
			MIMEType string `json:"mime_type"`
		} `json:"chunks"`
	}
	path := "/v1/meetings/" + meetingID + "/chunks?session_id=" + providerRef + "&limit=" + strconv.Itoa(max)
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]connector.Chunk, 0, len(resp.Chunks))
	for _, c := range resp.Chunks {
		media, err := base64.StdEncoding.DecodeString(c.MediaB64)
		if err != nil {
			// An undecodable chunk poisons the batch; the caller counts it
			// as invalid rather than failing the pull.
			out = append(out, connector.Chunk{})
			continue
		}
		out = append(out, connector.Chunk{Media: media, MIMEType: c.MIMEType})
	}
	return out, nil
}

// do performs one authenticated JSON round trip and decodes the response
// into out when out is non-nil.
func (p *Provider) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("jazz connector: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("jazz connector: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tr, ok := observe.TraceFromContext(ctx); ok {
		req.Header.Set(observe.TraceHeader, tr.TraceID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.ClassTransient, "provider_unreachable", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, method+" "+path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fault.Wrap(fault.ClassPermanent, "invalid_response", err)
	}
	return nil
}

// classifyStatus maps an HTTP status to the fault taxonomy. nil for 2xx.
func classifyStatus(status int, op string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.ClassPermanent, "auth", "jazz %s: provider rejected credentials (%d)", op, status)
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return fault.New(fault.ClassPermanent, "bad_request", "jazz %s: provider rejected request (%d)", op, status)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fault.New(fault.ClassTransient, "provider_unavailable", "jazz %s: provider returned %d", op, status)
	default:
		return fault.New(fault.ClassPermanent, "invalid_response", "jazz %s: unexpected status %d", op, status)
	}
}
