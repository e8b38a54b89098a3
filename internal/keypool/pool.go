// Package keypool rotates a set of AI provider credentials under a fixed
// request window, per-key cooldowns and failure backoff.
//
// A key is eligible when it is not cooling down and its window count plus
// its in-flight reservations is below the limit. Acquire never blocks: when
// no key is eligible it returns domain.ErrKeyPoolExhausted and the caller
// decides whether to defer work.
//
// Every state change is written through a StateStore so cooldowns and window
// counters survive restarts. The secret itself is never persisted; keys are
// identified by KeyID(secret).
package keypool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// ErrNoKeys is returned by New when no usable secret was configured.
var ErrNoKeys = errors.New("no api keys configured")

// ErrUnknownKey is returned by the Report methods for an id the pool does not
// hold.
var ErrUnknownKey = errors.New("unknown api key")

// maxShift bounds the exponential cooldown so the shift cannot overflow.
const maxShift = 30

// StateStore persists key state.
type StateStore interface {
	LoadKeyStates(ctx context.Context) ([]domain.APIKeyState, error)
	SaveKeyState(ctx context.Context, st domain.APIKeyState) error
}

// Key is a reserved credential returned by Acquire. Every Acquire must be
// followed by exactly one of ReportSuccess, ReportRateLimited, ReportFailure
// or Release.
type Key struct {
	ID     string
	Secret string
	State  domain.APIKeyState
}

// Status is a point-in-time view of one key for stats output.
type Status struct {
	domain.APIKeyState
	InFlight int  `json:"in_flight"`
	Eligible bool `json:"eligible"`
}

type entry struct {
	secret   string
	state    domain.APIKeyState
	inflight int
}

// Pool is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	cfg   config.KeyPoolConfig
	keys  []*entry // configuration order
	byID  map[string]*entry
	store StateStore

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// KeyID derives the stable, non-secret identifier of a credential.
func KeyID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "key-" + hex.EncodeToString(sum[:])[:12]
}

// New builds a pool over secrets (in configuration order), restoring any
// persisted state from store. A nil store keeps state in memory only.
func New(ctx context.Context, secrets []string, cfg config.KeyPoolConfig, store StateStore) (*Pool, error) {
	p := &Pool{
		cfg:   cfg,
		byID:  make(map[string]*entry, len(secrets)),
		store: store,
		Now:   time.Now,
	}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id := KeyID(s)
		if _, dup := p.byID[id]; dup {
			continue
		}
		e := &entry{secret: s, state: domain.APIKeyState{KeyID: id}}
		p.keys = append(p.keys, e)
		p.byID[id] = e
	}
	if len(p.keys) == 0 {
		return nil, ErrNoKeys
	}

	if store != nil {
		saved, err := store.LoadKeyStates(ctx)
		if err != nil {
			return nil, fmt.Errorf("load key states: %w", err)
		}
		for _, st := range saved {
			if e, ok := p.byID[st.KeyID]; ok {
				e.state = st
			}
		}
	}
	return p, nil
}

// Size returns the number of distinct keys.
func (p *Pool) Size() int { return len(p.keys) }

// Acquire reserves the best eligible key: lowest window count, then earliest
// window start, then configuration order.
func (p *Pool) Acquire() (Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.Now().UTC()
	var best *entry
	for _, e := range p.keys {
		p.roll(e, now)
		if !p.eligible(e, now) {
			continue
		}
		if best == nil || better(e, best) {
			best = e
		}
	}
	if best == nil {
		if next := p.nextAvailable(now); !next.IsZero() {
			return Key{}, fmt.Errorf("%w: next key available at %s", domain.ErrKeyPoolExhausted, next.Format(time.RFC3339))
		}
		return Key{}, domain.ErrKeyPoolExhausted
	}
	best.inflight++
	return Key{ID: best.state.KeyID, Secret: best.secret, State: best.state}, nil
}

func better(a, b *entry) bool {
	if a.state.RequestCount != b.state.RequestCount {
		return a.state.RequestCount < b.state.RequestCount
	}
	return a.state.WindowStart.Before(b.state.WindowStart)
}

func (p *Pool) eligible(e *entry, now time.Time) bool {
	if e.state.CooldownUntil != nil && now.Before(*e.state.CooldownUntil) {
		return false
	}
	return e.state.RequestCount+e.inflight < p.cfg.RateLimit
}

// roll starts a new window once the current one has elapsed. Callers that
// only read (Acquire, Snapshot) do not persist the reset: the window is
// recomputed from WindowStart on every access, so a stale stored window
// is rolled again after a restart and never blocks a key.
func (p *Pool) roll(e *entry, now time.Time) {
	if e.state.WindowStart.IsZero() || now.Sub(e.state.WindowStart) >= p.cfg.Window {
		e.state.WindowStart = now
		e.state.RequestCount = 0
	}
}

// nextAvailable is the earliest time a key leaves cooldown or its window
// rolls over. Zero when unknown.
func (p *Pool) nextAvailable(now time.Time) time.Time {
	var next time.Time
	for _, e := range p.keys {
		t := now
		if e.state.CooldownUntil != nil && e.state.CooldownUntil.After(t) {
			t = *e.state.CooldownUntil
		}
		if e.state.RequestCount+e.inflight >= p.cfg.RateLimit {
			if end := e.state.WindowStart.Add(p.cfg.Window); end.After(t) {
				t = end
			}
		}
		if !t.After(now) {
			continue
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next
}

// ReportSuccess counts a completed request and clears the failure streak.
func (p *Pool) ReportSuccess(ctx context.Context, id string) error {
	return p.update(ctx, id, func(e *entry, now time.Time) {
		p.roll(e, now)
		e.state.RequestCount++
		e.state.ConsecutiveFailures = 0
	})
}

// ReportRateLimited cools the key down for retryAfter, or the configured
// default when the provider gave no hint. It is not a failure.
func (p *Pool) ReportRateLimited(ctx context.Context, id string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = p.cfg.DefaultRetryAfter
	}
	return p.update(ctx, id, func(e *entry, now time.Time) {
		until := now.Add(retryAfter)
		e.state.CooldownUntil = &until
	})
}

// ReportFailure extends the failure streak. At or above the threshold the key
// cools down for min(base * 2^failures, cap).
func (p *Pool) ReportFailure(ctx context.Context, id string) error {
	return p.update(ctx, id, func(e *entry, now time.Time) {
		e.state.ConsecutiveFailures++
		if e.state.ConsecutiveFailures < p.cfg.FailureThreshold {
			return
		}
		until := now.Add(p.cooldown(e.state.ConsecutiveFailures))
		e.state.CooldownUntil = &until
	})
}

func (p *Pool) cooldown(failures int) time.Duration {
	shift := failures
	if shift > maxShift {
		shift = maxShift
	}
	d := p.cfg.CooldownBase << uint(shift)
	if d <= 0 || d > p.cfg.CooldownCap {
		return p.cfg.CooldownCap
	}
	return d
}

// Release drops a reservation without a verdict, e.g. when the caller was
// cancelled or the request was rejected for reasons unrelated to the key.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[id]; ok && e.inflight > 0 {
		e.inflight--
	}
}

func (p *Pool) update(ctx context.Context, id string, fn func(*entry, time.Time)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return ErrUnknownKey
	}
	if e.inflight > 0 {
		e.inflight--
	}
	now := p.Now().UTC()
	fn(e, now)
	e.state.UpdatedAt = now

	if p.store == nil {
		return nil
	}
	if err := p.store.SaveKeyState(ctx, e.state); err != nil {
		log.Warn().Err(err).Str("key_id", id).Msg("persist key state failed")
		return err
	}
	return nil
}

// Snapshot returns the state of every key in configuration order.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.Now().UTC()
	out := make([]Status, 0, len(p.keys))
	for _, e := range p.keys {
		p.roll(e, now)
		out = append(out, Status{
			APIKeyState: e.state,
			InFlight:    e.inflight,
			Eligible:    p.eligible(e, now),
		})
	}
	return out
}
