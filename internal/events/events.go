// Package events publishes job lifecycle transitions for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
)

// SubjectPrefix is followed by the job's new status.
const SubjectPrefix = "evolution.jobs."

// JobEvent is the message body of a lifecycle event.
type JobEvent struct {
	JobID   uuid.UUID        `json:"jobId"`
	BlockID string           `json:"blockId"`
	Name    string           `json:"name"`
	From    models.JobStatus `json:"from,omitempty"`
	Status  models.JobStatus `json:"status"`
	Reason  string           `json:"reason,omitempty"`
	At      time.Time        `json:"at"`
}

// Publisher is best effort: implementations log failures and never block the caller.
type Publisher interface {
	JobTransition(ctx context.Context, ev JobEvent)
}

func Subject(status models.JobStatus) string {
	return SubjectPrefix + string(status)
}

// Nop discards events.
type Nop struct{}

func (Nop) JobTransition(context.Context, JobEvent) {}

type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	conn   conn
	close  func()
	logger *logging.Logger
}

// ConnectNATS dials url with reconnects enabled; messages published while disconnected are
// buffered by the client.
func ConnectNATS(url string, logger *logging.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("evolution-orchestrator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	p := newNATSPublisher(nc, logger)
	p.close = nc.Close
	return p, nil
}

func newNATSPublisher(c conn, logger *logging.Logger) *NATSPublisher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &NATSPublisher{conn: c, logger: logger.Named("events")}
}

func (p *NATSPublisher) JobTransition(ctx context.Context, ev JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn(ctx, "encode job event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(Subject(ev.Status), data); err != nil {
		p.logger.Warn(ctx, "publish job event failed", zap.String("subject", Subject(ev.Status)), zap.Error(err))
	}
}

func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}
