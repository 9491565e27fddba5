package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/canonical"
	"github.com/ILLUVRSE/evolution/internal/logging"
)

// ExportBytes renders the full entry, chain fields included, as canonical JSON.
func ExportBytes(e Entry) ([]byte, error) {
	env := envelope(e)
	env["prevHash"] = e.PrevHash
	env["hash"] = e.Hash
	env["signature"] = e.Signature
	env["signerId"] = e.SignerID
	b, err := canonical.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("canonicalize export: %w", err)
	}
	return b, nil
}

type StreamerConfig struct {
	// Name keys the persisted cursor.
	Name         string
	BatchSize    int
	PollInterval time.Duration
	// EntryTimeout bounds produce+archive for one entry.
	EntryTimeout time.Duration
}

// Streamer exports entries in sequence order to Kafka and S3. The cursor only advances after
// both sinks accept an entry, so delivery is at least once and never skips.
type Streamer struct {
	store    Store
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	logger   *logging.Logger
}

// NewStreamer accepts a nil producer or archiver when that sink is not configured.
func NewStreamer(store Store, producer Producer, archiver Archiver, cfg StreamerConfig, logger *logging.Logger) *Streamer {
	if cfg.Name == "" {
		cfg.Name = "export"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Streamer{store: store, producer: producer, archiver: archiver, cfg: cfg, logger: logger.Named("ledger.streamer")}
}

// Run polls until ctx is cancelled, then closes the producer.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info(ctx, "streamer starting", zap.String("cursor", s.cfg.Name), zap.Int("batch", s.cfg.BatchSize))
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
		s.logger.Info(context.Background(), "streamer stopped")
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := s.Step(ctx)
		if err != nil {
			s.logger.Warn(ctx, "export step failed", zap.Error(err))
		}
		if n == s.cfg.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step exports at most one batch and returns how many entries were delivered.
func (s *Streamer) Step(ctx context.Context) (int, error) {
	cursor, err := s.store.Cursor(ctx, s.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	entries, err := s.store.Page(ctx, cursor, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch entries after %d: %w", cursor, err)
	}
	delivered := 0
	for _, e := range entries {
		if err := s.export(ctx, e); err != nil {
			return delivered, fmt.Errorf("export seq %d: %w", e.Seq, err)
		}
		if err := s.store.SetCursor(ctx, s.cfg.Name, e.Seq); err != nil {
			return delivered, fmt.Errorf("advance cursor to %d: %w", e.Seq, err)
		}
		delivered++
	}
	return delivered, nil
}

func (s *Streamer) export(parent context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.EntryTimeout)
	defer cancel()

	if s.producer != nil {
		body, err := ExportBytes(e)
		if err != nil {
			return err
		}
		if _, err := s.producer.Produce(ctx, []byte(strconv.FormatInt(e.Seq, 10)), body); err != nil {
			return err
		}
	}
	if s.archiver != nil {
		key, err := s.archiver.Archive(ctx, e)
		if err != nil {
			return err
		}
		s.logger.Debug(ctx, "entry archived", zap.Int64("seq", e.Seq), zap.String("key", key))
	}
	return nil
}
