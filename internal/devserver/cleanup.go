package devserver

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/repositories"
)

const (
	DefaultCleanupInterval = 5 * time.Minute
	DefaultSessionTTL      = 30 * time.Minute
)

// SessionCleanupService expires transcription sessions that went idle
type SessionCleanupService struct {
	sessionRepo repositories.SessionRepository
	interval    time.Duration
	ttl         time.Duration
	clock       clock.Clock
	logger      *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionCleanupService creates a new session cleanup service
func NewSessionCleanupService(sessionRepo repositories.SessionRepository, interval, ttl time.Duration, clk clock.Clock, logger *zap.Logger) *SessionCleanupService {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionCleanupService{
		sessionRepo: sessionRepo,
		interval:    interval,
		ttl:         ttl,
		clock:       clk,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	ticker := s.clock.Ticker(s.interval)
	s.wg.Add(1)
	go s.cleanupLoop(ticker)
	s.logger.Info("Session cleanup service started",
		zap.Duration("interval", s.interval),
		zap.Duration("ttl", s.ttl))
}

// Stop gracefully stops the cleanup service
func (s *SessionCleanupService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("Session cleanup service stopped")
}

// cleanupLoop runs the cleanup process periodically
func (s *SessionCleanupService) cleanupLoop(ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunCleanup()
		}
	}
}

// RunCleanup performs one pass and returns the number of expired sessions
func (s *SessionCleanupService) RunCleanup() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.sessionRepo.ExpireSessions(ctx, s.ttl)
	if err != nil {
		s.logger.Error("Failed to expire sessions", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Info("Expired idle sessions", zap.Int("count", n))
	}
	return n
}
