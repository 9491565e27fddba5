package signing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519SignerRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(priv), "ledger-1")
	require.NoError(t, err)

	sig, err := signer.Sign(context.Background(), []byte("hash"))
	require.NoError(t, err)

	ring := NewKeyRing()
	ring.Add(signer.SignerID(), signer.PublicKey())
	assert.True(t, ring.Verify("ledger-1", []byte("hash"), sig))
	assert.False(t, ring.Verify("ledger-1", []byte("other"), sig))
	assert.False(t, ring.Verify("unknown", []byte("hash"), sig))
}

func TestEd25519SignerAcceptsSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	s, err := NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(seed), "seeded")
	require.NoError(t, err)
	assert.Equal(t, "seeded", s.SignerID())

	_, err = NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString([]byte("short")), "x")
	require.Error(t, err)
}

func TestKMSSignerRetriesServerErrors(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/sign" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			return &http.Response{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway", Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
		}
		defer r.Body.Close()
		var payload struct {
			PayloadB64 string `json:"payload_b64"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		body, _ := json.Marshal(map[string]string{
			"signature_b64": base64.StdEncoding.EncodeToString(append([]byte("signed:"), payload.PayloadB64...)),
			"signer_id":     "kms-key-1",
		})
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
	})

	signer, err := NewKMSSigner(KMSSignerConfig{
		Endpoint:   "http://kms/",
		Timeout:    time.Second,
		Retries:    1,
		HTTPClient: &http.Client{Transport: transport},
	})
	require.NoError(t, err)

	sig, err := signer.Sign(context.Background(), []byte("ledger-hash"))
	require.NoError(t, err)
	assert.Equal(t, "signed:"+base64.StdEncoding.EncodeToString([]byte("ledger-hash")), string(sig))
	assert.Equal(t, "kms-key-1", signer.SignerID())
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestKMSSignerDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{StatusCode: http.StatusForbidden, Status: "403 Forbidden", Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
	})
	signer, err := NewKMSSigner(KMSSignerConfig{Endpoint: "http://kms", Retries: 3, HTTPClient: &http.Client{Transport: transport}})
	require.NoError(t, err)
	_, err = signer.Sign(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestKMSSignerSendsKeyID(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ledger-key", req["key_id"])
		body, _ := json.Marshal(map[string]string{"signature_b64": base64.StdEncoding.EncodeToString([]byte("sig"))})
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
	})
	signer, err := NewKMSSigner(KMSSignerConfig{Endpoint: "http://kms", KeyID: "ledger-key", HTTPClient: &http.Client{Transport: transport}})
	require.NoError(t, err)
	assert.Equal(t, "ledger-key", signer.SignerID())

	sig, err := signer.Sign(context.Background(), []byte("h"))
	require.NoError(t, err)
	assert.Equal(t, "sig", string(sig))
	assert.Equal(t, "ledger-key", signer.SignerID(), "kept when the service does not report an id")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
