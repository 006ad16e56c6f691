package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers on a ticker and caches their latest
// results, so probe endpoints never block on slow dependencies.
type Manager struct {
	checkers      map[string]Checker
	lastResults   map[string]CheckResult
	checkInterval time.Duration
	started       bool
	stopCh        chan struct{}
	stopOnce      sync.Once
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewManager creates a health manager checking every interval (30s default).
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:      make(map[string]Checker),
		lastResults:   make(map[string]CheckResult),
		checkInterval: interval,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()))
	return nil
}

// Start begins background health checking. Runs one immediate pass so the
// first probe after startup sees real results instead of unknowns.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.runChecks(ctx)
	go m.checkLoop(ctx)
	return nil
}

// Stop stops background health checking. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

func (m *Manager) runChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
		result := c.Check(checkCtx)
		cancel()
		result.Component = c.Name()
		result.Critical = c.IsCritical()
		result.Timestamp = time.Now()

		m.mu.Lock()
		m.lastResults[c.Name()] = result
		m.mu.Unlock()

		if result.Status != StatusHealthy {
			m.logger.Warn("health check not healthy",
				zap.String("checker", c.Name()),
				zap.String("status", result.Status.String()),
				zap.String("error", result.Error))
		}
	}
}

// GetOverallHealth aggregates the latest cached results. A failing critical
// check makes the service unhealthy; failing non-critical checks only degrade it.
func (m *Manager) GetOverallHealth() OverallHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall := OverallHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Components: make(map[string]CheckResult, len(m.lastResults)),
	}
	for name, r := range m.lastResults {
		overall.Components[name] = r
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			overall.Status = StatusUnhealthy
			overall.Message = fmt.Sprintf("critical dependency %s is unhealthy", name)
		case r.Status != StatusHealthy && overall.Status == StatusHealthy:
			overall.Status = StatusDegraded
		}
	}
	return overall
}

// IsReady reports whether all critical dependencies are healthy.
func (m *Manager) IsReady() bool {
	return m.GetOverallHealth().Status != StatusUnhealthy
}

// IsLive reports process liveness. The daemon is live as long as the check
// loop can be asked, even when dependencies are down.
func (m *Manager) IsLive() bool { return true }
