package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/layer-3/notary/internal/metrics"
	"github.com/layer-3/notary/ports"
)

// NonceSweeper periodically drops expired challenges
type NonceSweeper struct {
	store    ports.NonceStore
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewNonceSweeper sweeps store every interval
func NewNonceSweeper(store ports.NonceStore, interval, timeout time.Duration, logger zerolog.Logger) *NonceSweeper {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &NonceSweeper{
		store:    store,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "nonce_sweeper").Logger(),
	}
}

// Run sweeps until ctx is done
func (s *NonceSweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce runs a single bounded sweep and reports how many challenges went
func (s *NonceSweeper) SweepOnce(ctx context.Context) int {
	removed, err := bounded(ctx, s.timeout, s.store.Sweep)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep failed")
		return 0
	}
	if removed > 0 {
		metrics.NoncesSweptTotal.Add(float64(removed))
		s.logger.Debug().Int("removed", removed).Msg("swept expired challenges")
	}
	return removed
}
