package admission

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lexrag/retrievald/internal/metrics"
)

// Tier is the backend model tier recommended for a request
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// Deny reasons. A denial is a normal decision outcome, not an error.
const (
	ReasonConcurrencyExhausted = "concurrency_exhausted"
	ReasonRequestQuota         = "request_quota_exhausted"
	ReasonTokenQuota           = "token_quota_exhausted"
)

// Config controls per-user admission limits on a rolling hourly window
type Config struct {
	MaxRequestsPerHour int           `mapstructure:"max_requests_per_hour"`
	MaxTokensPerHour   int           `mapstructure:"max_tokens_per_hour"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	Window             time.Duration `mapstructure:"window"`
	// FallbackThreshold is the quota fraction at which a user is proactively
	// and stickily downgraded to the fallback tier (default 0.8).
	FallbackThreshold float64 `mapstructure:"fallback_threshold"`
}

// DefaultConfig returns sensible admission defaults
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerHour: 30,
		MaxTokensPerHour:   100000,
		MaxConcurrent:      3,
		Window:             time.Hour,
		FallbackThreshold:  0.8,
	}
}

// Decision is the outcome of a quota check
type Decision struct {
	Allowed           bool          `json:"allowed"`
	Tier              Tier          `json:"tier"`
	Reason            string        `json:"reason,omitempty"`
	RemainingRequests int           `json:"remaining_requests"`
	RemainingTokens   int           `json:"remaining_tokens"`
	// ThrottleDelay is an advisory pause for burst smoothing; it never
	// overrides the Allowed decision.
	ThrottleDelay time.Duration `json:"throttle_delay"`
}

// userQuota holds one user's counters for the current window. concurrent is
// never negative; all counters reset together when the window elapses.
type userQuota struct {
	requestCount int
	tokenCount   int
	concurrent   int
	windowStart  time.Time
	tier         Tier
	limiter      *rate.Limiter
}

// Controller is the admission control layer: per-user request/token/concurrency
// quotas on a rolling hourly window, sticky fallback-tier selection, and
// provider credential rotation under rate limits. It is the system's only
// backpressure mechanism and deliberately denies-and-degrades rather than
// queuing.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	quotas  map[string]*userQuota
	keyring *Keyring
	logger  *zap.Logger
}

// NewController creates an admission controller with the given keyring.
// keyring may be nil when no provider credentials are configured.
func NewController(cfg Config, keyring *Keyring, logger *zap.Logger) *Controller {
	if cfg.MaxRequestsPerHour <= 0 {
		cfg.MaxRequestsPerHour = DefaultConfig().MaxRequestsPerHour
	}
	if cfg.MaxTokensPerHour <= 0 {
		cfg.MaxTokensPerHour = DefaultConfig().MaxTokensPerHour
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.FallbackThreshold <= 0 || cfg.FallbackThreshold > 1 {
		cfg.FallbackThreshold = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		quotas:  make(map[string]*userQuota),
		keyring: keyring,
		logger:  logger,
	}
}

// quotaLocked lazily creates the user's quota, or resets it when the window
// has elapsed. Caller holds c.mu.
func (c *Controller) quotaLocked(userID string) *userQuota {
	q, ok := c.quotas[userID]
	if !ok {
		q = &userQuota{
			windowStart: time.Now(),
			tier:        TierPrimary,
			limiter:     newSmoothingLimiter(c.cfg),
		}
		c.quotas[userID] = q
		metrics.AdmissionActiveUsers.Set(float64(len(c.quotas)))
		return q
	}
	if time.Since(q.windowStart) > c.cfg.Window {
		q.requestCount = 0
		q.tokenCount = 0
		q.concurrent = 0
		q.windowStart = time.Now()
		q.tier = TierPrimary
	}
	return q
}

// newSmoothingLimiter spreads a user's hourly request quota across the
// window to hint at pacing; purely advisory.
func newSmoothingLimiter(cfg Config) *rate.Limiter {
	burst := cfg.MaxRequestsPerHour / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.MaxRequestsPerHour)), burst)
}

// CheckLimit evaluates the user's quotas and returns an allow/deny decision
// with a recommended backend tier. Denial is a regular outcome; this method
// never returns an error.
func (c *Controller) CheckLimit(userID string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.quotaLocked(userID)

	remReq := c.cfg.MaxRequestsPerHour - q.requestCount
	if remReq < 0 {
		remReq = 0
	}
	remTok := c.cfg.MaxTokensPerHour - q.tokenCount
	if remTok < 0 {
		remTok = 0
	}

	// Decision order, first match wins.
	switch {
	case q.concurrent >= c.cfg.MaxConcurrent:
		metrics.AdmissionDecisions.WithLabelValues("deny", ReasonConcurrencyExhausted).Inc()
		return Decision{Tier: TierFallback, Reason: ReasonConcurrencyExhausted,
			RemainingRequests: remReq, RemainingTokens: remTok}
	case q.requestCount >= c.cfg.MaxRequestsPerHour:
		metrics.AdmissionDecisions.WithLabelValues("deny", ReasonRequestQuota).Inc()
		return Decision{Tier: TierFallback, Reason: ReasonRequestQuota,
			RemainingRequests: 0, RemainingTokens: remTok}
	case q.tokenCount >= c.cfg.MaxTokensPerHour:
		metrics.AdmissionDecisions.WithLabelValues("deny", ReasonTokenQuota).Inc()
		return Decision{Tier: TierFallback, Reason: ReasonTokenQuota,
			RemainingRequests: remReq, RemainingTokens: 0}
	}

	// Proactive sticky downgrade near quota exhaustion.
	if q.tier == TierPrimary &&
		(float64(q.requestCount) >= c.cfg.FallbackThreshold*float64(c.cfg.MaxRequestsPerHour) ||
			float64(q.tokenCount) >= c.cfg.FallbackThreshold*float64(c.cfg.MaxTokensPerHour)) {
		q.tier = TierFallback
		metrics.AdmissionTierDowngrades.Inc()
		c.logger.Info("User downgraded to fallback tier for remainder of window",
			zap.String("user_id", userID),
			zap.Int("requests", q.requestCount),
			zap.Int("tokens", q.tokenCount),
		)
	}

	// All provider credentials disabled pins the user to fallback too.
	if q.tier == TierPrimary && c.keyring != nil && c.keyring.Exhausted() {
		q.tier = TierFallback
	}

	var delay time.Duration
	if r := q.limiter.Reserve(); r.OK() {
		delay = r.Delay()
	}

	metrics.AdmissionDecisions.WithLabelValues("allow", "").Inc()
	return Decision{
		Allowed:           true,
		Tier:              q.tier,
		RemainingRequests: remReq,
		RemainingTokens:   remTok,
		ThrottleDelay:     delay,
	}
}

// StartRequest marks an admitted unit of work as in flight, incrementing the
// user's concurrency and request counters atomically. Every StartRequest must
// be paired with EndRequest; prefer Begin for guaranteed release.
func (c *Controller) StartRequest(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.quotaLocked(userID)
	q.concurrent++
	q.requestCount++
}

// EndRequest marks the unit of work as finished, decrementing concurrency
// (floored at zero) and recording the tokens it consumed.
func (c *Controller) EndRequest(userID string, tokensUsed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.quotaLocked(userID)
	q.concurrent--
	if q.concurrent < 0 {
		q.concurrent = 0
	}
	if tokensUsed > 0 {
		q.tokenCount += tokensUsed
	}
}

// Begin is StartRequest with a release function suitable for defer. The
// release is idempotent, so a panic path and a normal path can both call it.
func (c *Controller) Begin(userID string) func(tokensUsed int) {
	c.StartRequest(userID)
	var once sync.Once
	return func(tokensUsed int) {
		once.Do(func() { c.EndRequest(userID, tokensUsed) })
	}
}

// HandleProviderRateLimit rotates the user away from a rate-limited
// credential. When every credential is exhausted the user is pinned to the
// fallback tier for the remainder of the window. The returned key is the
// user's new credential when rotation succeeded.
func (c *Controller) HandleProviderRateLimit(userID string) (key string, rotated bool) {
	if c.keyring == nil {
		return "", false
	}
	key, rotated = c.keyring.RotateOnRateLimit(userID)
	if !rotated {
		c.mu.Lock()
		q := c.quotaLocked(userID)
		q.tier = TierFallback
		c.mu.Unlock()
		c.logger.Warn("All provider credentials exhausted; user pinned to fallback tier",
			zap.String("user_id", userID))
	}
	return key, rotated
}

// CurrentCredential returns the provider credential assigned to the user
func (c *Controller) CurrentCredential(userID string) (string, bool) {
	if c.keyring == nil {
		return "", false
	}
	return c.keyring.KeyFor(userID)
}

// ResetUserQuota clears one user's window. Destructive and idempotent.
func (c *Controller) ResetUserQuota(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.quotas, userID)
	metrics.AdmissionActiveUsers.Set(float64(len(c.quotas)))
}

// ClearAllQuotas clears every user's window and re-enables all provider
// credentials. Destructive and idempotent.
func (c *Controller) ClearAllQuotas() {
	c.mu.Lock()
	c.quotas = make(map[string]*userQuota)
	metrics.AdmissionActiveUsers.Set(0)
	c.mu.Unlock()
	if c.keyring != nil {
		c.keyring.Reset()
	}
}

// UserUsage is a read-only view of one user's quota state
type UserUsage struct {
	UserID            string    `json:"user_id"`
	RequestCount      int       `json:"request_count"`
	TokenCount        int       `json:"token_count"`
	Concurrent        int       `json:"concurrent"`
	Tier              Tier      `json:"tier"`
	WindowStart       time.Time `json:"window_start"`
	RemainingRequests int       `json:"remaining_requests"`
	RemainingTokens   int       `json:"remaining_tokens"`
	Credential        string    `json:"credential,omitempty"`
}

// Snapshot returns current usage for every active user, for operator tooling
func (c *Controller) Snapshot() []UserUsage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]UserUsage, 0, len(c.quotas))
	for userID, q := range c.quotas {
		u := UserUsage{
			UserID:            userID,
			RequestCount:      q.requestCount,
			TokenCount:        q.tokenCount,
			Concurrent:        q.concurrent,
			Tier:              q.tier,
			WindowStart:       q.windowStart,
			RemainingRequests: c.cfg.MaxRequestsPerHour - q.requestCount,
			RemainingTokens:   c.cfg.MaxTokensPerHour - q.tokenCount,
		}
		if u.RemainingRequests < 0 {
			u.RemainingRequests = 0
		}
		if u.RemainingTokens < 0 {
			u.RemainingTokens = 0
		}
		if c.keyring != nil {
			if key, ok := c.keyring.KeyFor(userID); ok {
				u.Credential = key
			}
		}
		out = append(out, u)
	}
	return out
}

// CredentialStatus returns the keyring state for operator tooling.
func (c *Controller) CredentialStatus() []KeyStatus {
	if c.keyring == nil {
		return []KeyStatus{}
	}
	return c.keyring.Snapshot()
}

// UpdateLimits swaps in new quota caps; live windows keep their counters and
// are evaluated against the new caps from the next check on.
func (c *Controller) UpdateLimits(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.MaxRequestsPerHour > 0 {
		c.cfg.MaxRequestsPerHour = cfg.MaxRequestsPerHour
	}
	if cfg.MaxTokensPerHour > 0 {
		c.cfg.MaxTokensPerHour = cfg.MaxTokensPerHour
	}
	if cfg.MaxConcurrent > 0 {
		c.cfg.MaxConcurrent = cfg.MaxConcurrent
	}
	c.logger.Info("Admission limits updated",
		zap.Int("max_requests_per_hour", c.cfg.MaxRequestsPerHour),
		zap.Int("max_tokens_per_hour", c.cfg.MaxTokensPerHour),
		zap.Int("max_concurrent", c.cfg.MaxConcurrent),
	)
}
