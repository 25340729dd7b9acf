package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/AgentPay-Network/payment_layer/internal/app/system"
	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

var _ system.Service = (*Sweeper)(nil)

// Sweeper periodically refunds timed-out escrows. Deployments that drive
// ProcessTimeouts from an external scheduler can leave it unregistered.
type Sweeper struct {
	service  *Service
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSweeper creates a lifecycle-managed timeout sweeper.
func NewSweeper(service *Service, interval time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("escrow-sweeper")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{service: service, log: log, interval: interval}
}

func (s *Sweeper) Name() string { return "escrow-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Info("escrow timeout sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("escrow timeout sweeper stopped")
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	refunded, err := s.service.ProcessTimeouts(ctx)
	if err != nil {
		s.log.WithError(err).Warn("timeout sweep failed")
		return
	}
	if len(refunded) > 0 {
		s.log.WithField("refunded", len(refunded)).Info("timed-out escrows refunded")
	}
}
