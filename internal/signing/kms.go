package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ILLUVRSE/evolution/internal/retry"
)

type KMSSignerConfig struct {
	Endpoint string
	// KeyID names the ledger key at the key service; it is also the signer id until the
	// service reports its own.
	KeyID      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    int
}

// KMSSigner signs ledger hashes with a key that never leaves the key service.
// Protocol: POST {endpoint}/sign {key_id, payload_b64} -> {signature_b64, signer_id}.
type KMSSigner struct {
	cfg      KMSSignerConfig
	signerID atomic.Pointer[string]
}

type kmsSignRequest struct {
	KeyID      string `json:"key_id,omitempty"`
	PayloadB64 string `json:"payload_b64"`
}

type kmsSignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

func NewKMSSigner(cfg KMSSignerConfig) (*KMSSigner, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("kms endpoint required")
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Retries = max(cfg.Retries, 0)
	k := &KMSSigner{cfg: cfg}
	id := cfg.KeyID
	k.signerID.Store(&id)
	return k, nil
}

func (k *KMSSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	body, err := json.Marshal(kmsSignRequest{KeyID: k.cfg.KeyID, PayloadB64: base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		return nil, fmt.Errorf("kms marshal request: %w", err)
	}
	var sig []byte
	backoff := retry.Config{MaxRetries: k.cfg.Retries, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var callErr error
		sig, callErr = k.call(ctx, body)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("kms sign: %w", err)
	}
	return sig, nil
}

// call makes one attempt. 5xx and transport errors are retryable; everything else is not.
func (k *KMSSigner) call(ctx context.Context, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.cfg.Endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := k.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("key service unavailable: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Permanent(fmt.Errorf("key service refused: %s", resp.Status))
	}
	var out kmsSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode key service response: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.SignatureB64)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode signature: %w", err))
	}
	if out.SignerID != "" {
		id := out.SignerID
		k.signerID.Store(&id)
	}
	return sig, nil
}

func (k *KMSSigner) SignerID() string {
	return *k.signerID.Load()
}
