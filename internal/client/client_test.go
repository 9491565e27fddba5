package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/evolution/internal/ledger"
	"github.com/ILLUVRSE/evolution/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(t *testing.T, status int, v interface{}) *http.Response {
	t.Helper()
	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newClient(t *testing.T, token string, fn roundTripFunc) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: "http://evolution/", Token: token, HTTPClient: &http.Client{Transport: fn}})
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestListJobsEncodesFilter(t *testing.T) {
	c := newClient(t, "tok", func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/admin/jobs", r.URL.Path)
		assert.Equal(t, "queued,training", r.URL.Query().Get("status"))
		assert.Equal(t, "code", r.URL.Query().Get("block"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		return jsonResponse(t, http.StatusOK, []models.JobSpec{{BlockID: "code", Status: models.JobQueued}}), nil
	})
	jobs, err := c.ListJobs(context.Background(), JobFilter{
		Statuses: []models.JobStatus{models.JobQueued, models.JobTraining},
		BlockID:  "code",
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobQueued, jobs[0].Status)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	c := newClient(t, "", func(r *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusConflict, map[string]string{"error": "job owned by another worker", "code": "wrong_worker"}), nil
	})
	_, err := c.Heartbeat(context.Background(), uuid.New(), "w2")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "wrong_worker", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "job owned by another worker")
}

func TestClaimNoContent(t *testing.T) {
	c := newClient(t, "", func(r *http.Request) (*http.Response, error) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "w1", body["workerId"])
		return jsonResponse(t, http.StatusNoContent, nil), nil
	})
	_, err := c.Claim(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestCompleteFlattensResult(t *testing.T) {
	id := uuid.New()
	c := newClient(t, "", func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/v1/trainer/jobs/"+id.String()+"/complete", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "w1", body["workerId"])
		assert.Equal(t, "s3://artifacts/a1", body["artifactRef"])
		assert.Equal(t, 0.9, body["candidateAccuracy"])
		return jsonResponse(t, http.StatusOK, map[string]interface{}{
			"job":  models.JobSpec{ID: id, Status: models.JobCompleted},
			"gate": map[string]interface{}{"accepted": true},
		}), nil
	})
	out, err := c.Complete(context.Background(), id, "w1", models.TrainingResult{ArtifactRef: "s3://artifacts/a1", CandidateAccuracy: 0.9})
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, out.Job.Status)
	require.NotNil(t, out.Gate)
	assert.True(t, out.Gate.Accepted)
}

func TestExportLedgerFollowsPages(t *testing.T) {
	var afters []string
	c := newClient(t, "", func(r *http.Request) (*http.Response, error) {
		after := r.URL.Query().Get("after")
		afters = append(afters, after)
		switch after {
		case "0":
			next := int64(2)
			return jsonResponse(t, http.StatusOK, LedgerPage{Entries: []ledger.Entry{{Seq: 1}, {Seq: 2}}, Next: &next}), nil
		default:
			return jsonResponse(t, http.StatusOK, LedgerPage{Entries: []ledger.Entry{{Seq: 3}}}), nil
		}
	})
	var seqs []int64
	n, err := c.ExportLedger(context.Background(), 0, 2, func(e ledger.Entry) error {
		seqs = append(seqs, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.Equal(t, []string{"0", "2"}, afters)
}

func TestReloadPolicySendsDocumentVerbatim(t *testing.T) {
	doc := []byte("version: v9\n")
	c := newClient(t, "", func(r *http.Request) (*http.Response, error) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, doc, raw)
		return jsonResponse(t, http.StatusOK, PolicyReload{Version: "v9", Applied: true}), nil
	})
	out, err := c.ReloadPolicy(context.Background(), doc)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, "v9", out.Version)
}

func TestDebugTokenHeader(t *testing.T) {
	c, err := New(Config{
		BaseURL:    "http://evolution",
		DebugToken: "dev",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			assert.Equal(t, "dev", r.Header.Get("X-Debug-Token"))
			assert.Empty(t, r.Header.Get("Authorization"))
			return jsonResponse(t, http.StatusOK, map[string]bool{"cleared": true}), nil
		})},
	})
	require.NoError(t, err)
	cleared, err := c.ClearHalt(context.Background(), "checked")
	require.NoError(t, err)
	assert.True(t, cleared)
}
