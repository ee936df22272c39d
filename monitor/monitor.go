// Package monitor runs scheduled health checks on the airdrop pool.
package monitor

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tolelom/dropchain/airdrop"
	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/events"
	"github.com/tolelom/dropchain/internal/logging"
)

// PoolReader returns the committed pool.
type PoolReader func() (*core.Pool, error)

// Status is the outcome of one check.
type Status struct {
	Initialized bool
	Low         bool
	Pool        *core.Pool
}

// Monitor periodically reads the pool and raises pool_low when it can no
// longer fund a new user.
type Monitor struct {
	cron    *cron.Cron
	read    PoolReader
	emitter *events.Emitter
	logger  *zap.Logger
}

// New creates a Monitor. Call Schedule, then Start.
func New(read PoolReader, emitter *events.Emitter, logger *zap.Logger) *Monitor {
	return &Monitor{
		cron:    cron.New(cron.WithSeconds()),
		read:    read,
		emitter: emitter,
		logger:  logging.OrNop(logger).Named("monitor"),
	}
}

// Schedule registers the check under spec (six-field cron syntax).
func (m *Monitor) Schedule(spec string) error {
	if _, err := m.cron.AddFunc(spec, m.run); err != nil {
		return fmt.Errorf("register pool check: %w", err)
	}
	return nil
}

// Start starts the scheduler.
func (m *Monitor) Start() {
	m.cron.Start()
	m.logger.Info("pool monitor started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("pool monitor stopped")
}

func (m *Monitor) run() {
	if _, err := m.Check(); err != nil {
		m.logger.Error("pool check failed", zap.Error(err))
	}
}

// Check reads the pool once and reports its status.
func (m *Monitor) Check() (Status, error) {
	pool, err := m.read()
	if errors.Is(err, airdrop.ErrPoolNotInitialized) {
		m.logger.Debug("pool not initialized")
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	st := Status{Initialized: true, Pool: pool}
	if pool.TotalTokens >= pool.AirdropAmount {
		return st, nil
	}
	st.Low = true
	m.logger.Warn("pool cannot fund new users",
		zap.Uint64("total_tokens", pool.TotalTokens),
		zap.Uint64("airdrop_amount", pool.AirdropAmount),
		zap.Uint64("total_users", pool.TotalUsers))
	if m.emitter != nil {
		m.emitter.Emit(events.Event{
			Type: events.EventPoolLow,
			Data: map[string]any{
				"pool":           pool.Address,
				"total_tokens":   pool.TotalTokens,
				"airdrop_amount": pool.AirdropAmount,
			},
		})
	}
	return st, nil
}
