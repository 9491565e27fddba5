package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ILLUVRSE/evolution/internal/retry"
)

type HTTPHookConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

type HTTPHook struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPHook(cfg HTTPHookConfig) (*HTTPHook, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("serving hook base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPHook{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (h *HTTPHook) Stage(ctx context.Context, req StageRequest) (StageResult, error) {
	var out StageResult
	err := h.call(ctx, http.MethodPost, "/slots/stage", req, &out)
	return out, err
}

func (h *HTTPHook) Replay(ctx context.Context, req ReplayRequest) (ReplayResult, error) {
	var out ReplayResult
	err := h.call(ctx, http.MethodPost, "/slots/replay", req, &out)
	return out, err
}

func (h *HTTPHook) Probe(ctx context.Context, blockID string) (Health, error) {
	var out Health
	err := h.call(ctx, http.MethodGet, "/blocks/"+url.PathEscape(blockID)+"/health", nil, &out)
	return out, err
}

func (h *HTTPHook) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("serving hook marshal %s: %w", path, err)
		}
		body = b
	}
	policy := retry.Config{MaxRetries: h.retries, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, h.baseURL+path, reader)
		if err != nil {
			return retry.Permanent(fmt.Errorf("serving hook build %s: %w", path, err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s: %s", ErrUnavailable, path, resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.Permanent(fmt.Errorf("serving hook rejected %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg))))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("serving hook decode %s: %w", path, err))
		}
		return nil
	})
}
