// Package session implements the Session Registry (spec §4.C): an
// in-process, mutex-protected map from opaque token to session record, with
// TTL-based expiry. Tokens are derived from a high-resolution clock plus a
// random salt so that neighbors in the same process cannot guess each
// other's tokens, per spec §4.C.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyActive is returned by Create when a live session already exists
// for the device.
var ErrAlreadyActive = errors.New("session already active for device")

// DefaultTTL is the session time-to-live applied when a Registry is created
// with NewRegistry. spec §6 calls this deviceSessionTimeout, default 300000ms.
const DefaultTTL = 5 * time.Minute

// Record is a single session's bookkeeping.
type Record struct {
	Token      string
	DeviceID   string
	CreatedAt  time.Time
	LastUsedAt time.Time
	TTL        time.Duration
}

func (r *Record) expired(now time.Time) bool {
	return now.Sub(r.LastUsedAt) >= r.TTL
}

// Registry is process-wide session state. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	byToken  map[string]*Record
	byDevice map[string]*Record
	now      func() time.Time
}

// NewRegistry constructs an empty Registry with the given TTL. Passing 0
// selects DefaultTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		ttl:      ttl,
		byToken:  make(map[string]*Record),
		byDevice: make(map[string]*Record),
		now:      time.Now,
	}
}

// Create issues a new session token for deviceID. Fails with
// ErrAlreadyActive if a live (non-expired) session already exists for that
// device — per spec §3 invariant 1, exactly one currentSession per device.
func (r *Registry) Create(deviceID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.byDevice[deviceID]; ok {
		if !existing.expired(now) {
			return "", ErrAlreadyActive
		}
		r.destroyLocked(existing.Token)
	}

	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	rec := &Record{
		Token:      token,
		DeviceID:   deviceID,
		CreatedAt:  now,
		LastUsedAt: now,
		TTL:        r.ttl,
	}
	r.byToken[token] = rec
	r.byDevice[deviceID] = rec
	return token, nil
}

// Validate reports whether token is registered and unexpired. On success it
// refreshes LastUsedAt (sliding TTL). On failure (unknown or expired token)
// the session, if any, is destroyed and false is returned — per spec §7, a
// stale session is never silently renewed.
func (r *Registry) Validate(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byToken[token]
	if !ok {
		return false
	}
	now := r.now()
	if rec.expired(now) {
		r.destroyLocked(token)
		return false
	}
	rec.LastUsedAt = now
	return true
}

// CompareAndValidate returns true iff provided equals expected (by string
// equality) and the token validates. This is the guard the Lifecycle
// Orchestrator uses to check a caller-supplied token against the device's
// currentSession (spec §4.F step 1).
func (r *Registry) CompareAndValidate(expected, provided string) bool {
	if expected == "" || provided == "" || expected != provided {
		return false
	}
	return r.Validate(provided)
}

// Destroy removes token from the registry. Idempotent.
func (r *Registry) Destroy(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyLocked(token)
}

func (r *Registry) destroyLocked(token string) {
	rec, ok := r.byToken[token]
	if !ok {
		return
	}
	delete(r.byToken, token)
	// Only clear the device index if it still points at this exact record —
	// a newer session may have replaced it already.
	if cur, ok := r.byDevice[rec.DeviceID]; ok && cur.Token == token {
		delete(r.byDevice, rec.DeviceID)
	}
}

// TokenForDevice returns the live session token for deviceID, if any.
func (r *Registry) TokenForDevice(deviceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byDevice[deviceID]
	if !ok || rec.expired(r.now()) {
		return "", false
	}
	return rec.Token, true
}

// newToken derives a locally collision-resistant, unguessable token from a
// high-resolution clock reading plus a random salt.
func newToken() (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	ts := time.Now().UnixNano()
	return fmt.Sprintf("%x-%s", ts, hex.EncodeToString(salt)), nil
}
