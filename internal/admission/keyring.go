package admission

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/metrics"
)

// Keyring holds the ordered provider credential list, each user's current
// index into it, and the process-wide set of credentials marked disabled by
// rate-limit events. The disabled set is shared across users on purpose: one
// user's rate-limit event makes every user skip that credential.
type Keyring struct {
	mu       sync.Mutex
	keys     []string
	current  map[string]int  // userID -> index into keys
	disabled map[int]bool    // index -> rate-limited
	logger   *zap.Logger
}

// NewKeyring creates a keyring over the given ordered credential identifiers
func NewKeyring(keys []string, logger *zap.Logger) *Keyring {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keyring{
		keys:     keys,
		current:  make(map[string]int),
		disabled: make(map[int]bool),
		logger:   logger,
	}
}

// KeyFor returns the credential currently assigned to the user. If that
// credential has been disabled since assignment, the user is rotated to the
// next enabled one first. ok is false when every credential is disabled.
func (k *Keyring) KeyFor(userID string) (key string, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.keys) == 0 {
		return "", false
	}
	idx := k.current[userID]
	if !k.disabled[idx] {
		return k.keys[idx], true
	}
	next, found := k.nextEnabledLocked(idx)
	if !found {
		return "", false
	}
	k.current[userID] = next
	return k.keys[next], true
}

// RotateOnRateLimit marks the user's current credential as disabled for the
// whole process and advances the user to the next enabled credential,
// searching from just after the current index with wrap-around. ok is false
// when no credential remains enabled.
func (k *Keyring) RotateOnRateLimit(userID string) (key string, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.keys) == 0 {
		return "", false
	}
	idx := k.current[userID]
	if !k.disabled[idx] {
		k.disabled[idx] = true
		k.logger.Warn("Provider credential disabled after rate limit",
			zap.String("user_id", userID),
			zap.String("credential", k.keys[idx]),
		)
	}

	next, found := k.nextEnabledLocked(idx)
	if !found {
		metrics.CredentialRotations.WithLabelValues("exhausted").Inc()
		return "", false
	}
	k.current[userID] = next
	metrics.CredentialRotations.WithLabelValues("rotated").Inc()
	k.logger.Info("Rotated user to next provider credential",
		zap.String("user_id", userID),
		zap.String("credential", k.keys[next]),
	)
	return k.keys[next], true
}

// nextEnabledLocked scans for the next enabled credential starting just after
// idx, wrapping around; idx itself is considered last.
func (k *Keyring) nextEnabledLocked(idx int) (int, bool) {
	n := len(k.keys)
	for off := 1; off <= n; off++ {
		cand := (idx + off) % n
		if !k.disabled[cand] {
			return cand, true
		}
	}
	return 0, false
}

// Exhausted reports whether every credential is disabled
func (k *Keyring) Exhausted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.keys) == 0 {
		return true
	}
	for i := range k.keys {
		if !k.disabled[i] {
			return false
		}
	}
	return true
}

// Reset re-enables every credential and clears per-user assignments.
// Administrative operation; idempotent.
func (k *Keyring) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.disabled = make(map[int]bool)
	k.current = make(map[string]int)
}

// Snapshot returns the credential list with disabled markers for operator
// tooling. Identifiers are returned as-is; callers must not log raw secrets
// through this path.
func (k *Keyring) Snapshot() []KeyStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]KeyStatus, len(k.keys))
	for i, key := range k.keys {
		out[i] = KeyStatus{ID: key, Disabled: k.disabled[i]}
	}
	return out
}

// KeyStatus describes one credential in a keyring snapshot
type KeyStatus struct {
	ID       string `json:"id"`
	Disabled bool   `json:"disabled"`
}
