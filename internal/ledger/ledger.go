package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ILLUVRSE/evolution/internal/signing"
)

const verifyPageSize = 500

// Ledger is the single serialized writer over a Store.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	signer   signing.Signer
	verifier Verifier
	now      func() time.Time

	tail     *Entry
	onAppend []func(Entry)
}

type Option func(*Ledger)

// WithVerifier enables signature checks during Verify.
func WithVerifier(v Verifier) Option {
	return func(l *Ledger) { l.verifier = v }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// OnAppend registers a callback invoked after every successful append, under the writer lock.
func OnAppend(fn func(Entry)) Option {
	return func(l *Ledger) { l.onAppend = append(l.onAppend, fn) }
}

func New(store Store, signer signing.Signer, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		signer: signer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append chains, signs and persists a record. Sequence numbers are strictly monotonic.
func (l *Ledger) Append(ctx context.Context, rec Record) (Entry, error) {
	if rec.EventType == "" {
		return Entry{}, fmt.Errorf("ledger: event type required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.appendLocked(ctx, rec)
	if errors.Is(err, ErrSeqConflict) {
		// another process appended; resync the tail and try once more
		l.tail = nil
		entry, err = l.appendLocked(ctx, rec)
	}
	if err != nil {
		return Entry{}, err
	}
	for _, fn := range l.onAppend {
		fn(entry)
	}
	return entry, nil
}

func (l *Ledger) appendLocked(ctx context.Context, rec Record) (Entry, error) {
	if l.tail == nil {
		last, err := l.store.Last(ctx)
		if err != nil {
			return Entry{}, fmt.Errorf("ledger tail: %w", err)
		}
		if last == nil {
			last = &Entry{}
		}
		l.tail = last
	}

	payload := rec.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	e := Entry{
		Seq:       l.tail.Seq + 1,
		JobID:     rec.JobID,
		BlockID:   rec.BlockID,
		EventType: rec.EventType,
		Reason:    rec.Reason,
		Payload:   payload,
		PrevHash:  l.tail.Hash,
		Ts:        l.now().UTC().Truncate(time.Microsecond),
	}
	sum, err := HashBytes(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hex.EncodeToString(sum)
	sig, err := l.signer.Sign(ctx, sum)
	if err != nil {
		return Entry{}, fmt.Errorf("sign ledger entry: %w", err)
	}
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	e.SignerID = l.signer.SignerID()

	if err := l.store.Insert(ctx, e); err != nil {
		return Entry{}, err
	}
	cp := e
	l.tail = &cp
	return e, nil
}

func (l *Ledger) Query(ctx context.Context, jobID string) ([]Entry, error) {
	return l.store.ByJob(ctx, jobID)
}

func (l *Ledger) Page(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return l.store.Page(ctx, afterSeq, limit)
}

// Length returns the sequence number of the newest entry.
func (l *Ledger) Length(ctx context.Context) (int64, error) {
	last, err := l.store.Last(ctx)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	return last.Seq, nil
}

// VerifyReport summarizes a full-chain verification.
type VerifyReport struct {
	Entries    int64     `json:"entries"`
	Valid      bool      `json:"valid"`
	BrokenAt   int64     `json:"brokenAt,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Verify walks the whole chain page by page. A broken chain is reported in the VerifyReport
// and also returned as a *ChainError; storage failures return a plain error.
func (l *Ledger) Verify(ctx context.Context) (VerifyReport, error) {
	cv := NewChainVerifier(l.verifier)
	report := VerifyReport{VerifiedAt: l.now().UTC()}
	var after int64
	for {
		page, err := l.store.Page(ctx, after, verifyPageSize)
		if err != nil {
			return report, fmt.Errorf("ledger page after %d: %w", after, err)
		}
		for _, e := range page {
			if err := cv.Next(e); err != nil {
				var ce *ChainError
				if errors.As(err, &ce) {
					report.BrokenAt = ce.Seq
					report.Reason = ce.Reason
				}
				report.Entries = cv.Count()
				return report, err
			}
		}
		if len(page) < verifyPageSize {
			break
		}
		after = page[len(page)-1].Seq
	}
	report.Entries = cv.Count()
	report.Valid = true
	return report, nil
}

func (l *Ledger) Store() Store { return l.store }
