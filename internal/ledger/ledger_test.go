package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/evolution/internal/signing"
)

func testSigner(t *testing.T) (*signing.Ed25519Signer, *signing.KeyRing) {
	t.Helper()
	seed := bytes.Repeat([]byte{42}, ed25519.SeedSize)
	s, err := signing.NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(seed), "ledger-test")
	require.NoError(t, err)
	ring := signing.NewKeyRing()
	ring.Add(s.SignerID(), s.PublicKey())
	return s, ring
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 14, 2, 15, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func appendN(t *testing.T, l *Ledger, n int) []Entry {
	t.Helper()
	var out []Entry
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), Record{
			JobID:     "job-1",
			BlockID:   "code",
			EventType: EventJobQueued,
			Payload:   map[string]interface{}{"i": i, "gain": 0.23},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppendChainsEntries(t *testing.T) {
	signer, ring := testSigner(t)
	l := New(NewMemoryStore(), signer, WithVerifier(ring), WithClock(fixedClock()))

	entries := appendN(t, l, 5)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		if i == 0 {
			assert.Empty(t, e.PrevHash)
			continue
		}
		assert.Equal(t, entries[i-1].Hash, e.PrevHash)
	}
	require.NoError(t, VerifyChain(entries, ring))

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.EqualValues(t, 5, report.Entries)

	n, err := l.Length(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestVerifyDetectsTampering(t *testing.T) {
	cases := []struct {
		name   string
		tamper func(*Entry)
	}{
		{"payload edited", func(e *Entry) { e.Payload["gain"] = 0.99 }},
		{"reason edited", func(e *Entry) { e.Reason = "operator_rollback" }},
		{"hash replaced", func(e *Entry) { e.Hash = strings.Repeat("0", 64) }},
		{"signature forged", func(e *Entry) { e.Signature = base64.StdEncoding.EncodeToString(make([]byte, 64)) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signer, ring := testSigner(t)
			store := NewMemoryStore()
			l := New(store, signer, WithVerifier(ring), WithClock(fixedClock()))
			appendN(t, l, 4)

			store.Tamper(3, tc.tamper)

			report, err := l.Verify(context.Background())
			require.Error(t, err)
			var ce *ChainError
			require.True(t, errors.As(err, &ce))
			assert.False(t, report.Valid)
			assert.LessOrEqual(t, report.BrokenAt, int64(4))
			assert.GreaterOrEqual(t, report.BrokenAt, int64(3))
		})
	}
}

func TestVerifyChainRejectsGapsAndReorder(t *testing.T) {
	signer, _ := testSigner(t)
	l := New(NewMemoryStore(), signer, WithClock(fixedClock()))
	entries := appendN(t, l, 3)

	err := VerifyChain([]Entry{entries[0], entries[2]}, nil)
	require.Error(t, err)

	err = VerifyChain([]Entry{entries[1], entries[0]}, nil)
	require.Error(t, err)
}

func TestAppendIsSerialized(t *testing.T) {
	signer, ring := testSigner(t)
	l := New(NewMemoryStore(), signer, WithVerifier(ring))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), Record{EventType: EventJobQueued, Payload: map[string]interface{}{"i": i}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 20, report.Entries)
}

func TestQueryAndPage(t *testing.T) {
	signer, _ := testSigner(t)
	l := New(NewMemoryStore(), signer)
	ctx := context.Background()
	_, err := l.Append(ctx, Record{JobID: "a", EventType: EventJobQueued})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{JobID: "b", EventType: EventJobQueued})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{JobID: "a", EventType: EventJobClaimed})
	require.NoError(t, err)

	byJob, err := l.Query(ctx, "a")
	require.NoError(t, err)
	require.Len(t, byJob, 2)
	assert.Equal(t, EventJobClaimed, byJob[1].EventType)

	page, err := l.Page(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.EqualValues(t, 2, page[0].Seq)
}

func TestAppendRequiresEventType(t *testing.T) {
	signer, _ := testSigner(t)
	l := New(NewMemoryStore(), signer)
	_, err := l.Append(context.Background(), Record{})
	require.Error(t, err)
}

func TestOnAppendHook(t *testing.T) {
	signer, _ := testSigner(t)
	var seen []int64
	l := New(NewMemoryStore(), signer, OnAppend(func(e Entry) { seen = append(seen, e.Seq) }))
	appendN(t, l, 2)
	assert.Equal(t, []int64{1, 2}, seen)
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, []byte) ([]byte, error) { return nil, errors.New("kms down") }
func (failingSigner) SignerID() string                             { return "kms" }

func TestAppendFailsClosedWhenSignerFails(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, failingSigner{})
	_, err := l.Append(context.Background(), Record{EventType: EventJobQueued})
	require.Error(t, err)
	last, err := store.Last(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}
