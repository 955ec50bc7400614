package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pharmalert/ack-engine/internal/domain"
)

const defaultSweepInterval = time.Minute

// ExpirationChecker is the slice of the tracker the sweeper needs.
type ExpirationChecker interface {
	CheckExpirations(ctx context.Context) []*domain.Receipt
}

// Sweeper periodically persists expired state for overdue receipts. The
// store itself evaluates expiry lazily on read; the sweeper exists for
// callers that want the transition recorded without waiting for the
// next read.
type Sweeper struct {
	tracker  ExpirationChecker
	logger   *zap.Logger
	interval time.Duration
}

func NewSweeper(tracker ExpirationChecker, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if tracker == nil {
		return nil, fmt.Errorf("expiration checker is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		tracker:  tracker,
		logger:   logger,
		interval: interval,
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial sweep so already-overdue receipts do not wait for
	// the first ticker edge.
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired := s.tracker.CheckExpirations(ctx)
	if len(expired) > 0 {
		s.logger.Debug("expiration sweep completed", zap.Int("expired", len(expired)))
	}
}
