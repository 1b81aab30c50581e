package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically resolves stale pending attempts in the
// background. It runs one sweep immediately on start, then on the
// configured interval until stopped.
type Sweeper struct {
	service *Service
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastMu   sync.RWMutex
	lastRun  time.Time
	lastReps []SweepReport
}

// NewSweeper creates a background sweeper for the given service.
func NewSweeper(service *Service, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		service: service,
		logger:  logger,
	}
}

// Start begins background sweeping. Returns an error if already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweeper already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("background sweeper started",
		zap.Duration("interval", s.service.config.SweepInterval))
	return nil
}

// Stop halts background sweeping and waits for the current sweep to
// finish. Safe to call when not running.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	s.logger.Info("background sweeper stopped")
}

// IsRunning reports whether the sweeper is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns the time of the most recent sweep and its reports.
func (s *Sweeper) LastRun() (time.Time, []SweepReport) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastRun, s.lastReps
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	s.sweep(ctx)

	ticker := time.NewTicker(s.service.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	reports, err := s.service.Sweep(ctx)
	if err != nil {
		s.logger.Error("background sweep failed", zap.Error(err))
		return
	}

	s.lastMu.Lock()
	s.lastRun = time.Now()
	s.lastReps = reports
	s.lastMu.Unlock()
}
