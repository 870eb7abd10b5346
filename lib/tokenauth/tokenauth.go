// Package tokenauth generates the host's per-process pairing token and
// enforces the per-peer-IP brute-force rate limit described in spec.md
// §4.4.
package tokenauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// ErrPeerRateLimited and ErrInvalidToken are the two distinct causes Verify
// can fail with; handshake.go distinguishes them with errors.Is to pick the
// wire error code, rather than re-querying IsBanned after the fact (which
// would misclassify the very request that just crossed the ban threshold,
// since that request already set bannedUntil before returning).
var (
	ErrPeerRateLimited = errors.New("tokenauth: peer is rate-limited")
	ErrInvalidToken    = errors.New("tokenauth: invalid auth token")
)

const tokenSizeBytes = 32 // 256 bits

const (
	// DefaultMaxFailures is the number of failed verifications allowed per
	// peer IP within DefaultWindow before the peer is banned.
	DefaultMaxFailures = 5
	// DefaultWindow is the sliding window over which failures accumulate.
	DefaultWindow = 60 * time.Second
	// DefaultBanDuration is how long a banned peer IP is rejected outright.
	DefaultBanDuration = 15 * time.Minute
)

// GenerateToken returns a new uniformly random 256-bit token rendered as
// lowercase hex (spec.md §3).
func GenerateToken() (string, error) {
	buf := make([]byte, tokenSizeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err, "generating auth token")
	}
	return hex.EncodeToString(buf), nil
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Authority holds the process-local token and the per-IP rate limiter.
type Authority struct {
	token string

	maxFailures int
	window      time.Duration
	banDuration time.Duration
	now         Clock

	mu      sync.Mutex
	entries map[string]*peerState
}

type peerState struct {
	failureTimes []time.Time
	bannedUntil  time.Time
}

// New constructs an Authority bound to token, using the default rate-limit
// policy.
func New(token string) *Authority {
	return &Authority{
		token:       token,
		maxFailures: DefaultMaxFailures,
		window:      DefaultWindow,
		banDuration: DefaultBanDuration,
		now:         time.Now,
		entries:     make(map[string]*peerState),
	}
}

// WithClock overrides the time source; intended for tests.
func (a *Authority) WithClock(clock Clock) *Authority {
	a.now = clock
	return a
}

// Verify checks candidate against the host token for a connection from
// peerIP. It updates the rate-limit counter before returning, so that a
// peer cannot learn anything from response timing (spec.md §4.4's
// "counter is updated first" rule).
//
// The returned error, when non-nil, wraps one of:
//   - ErrPeerRateLimited: the peer IP is currently banned; candidate was
//     never compared. This does not include the call that itself just
//     accumulated the fifth failure: that call bans the peer for every
//     subsequent attempt, but its own response is still ErrInvalidToken
//     below, since the comparison for *this* call already ran.
//   - ErrInvalidToken: the token did not match.
//
// Callers that need to pick a wire-level response code should use
// errors.Is against these sentinels rather than re-querying IsBanned after
// Verify returns, since IsBanned reflects state as of the re-check, not as
// of this call.
func (a *Authority) Verify(peerIP, candidate string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	state := a.entries[peerIP]
	if state == nil {
		state = &peerState{}
		a.entries[peerIP] = state
	}

	if now.Before(state.bannedUntil) {
		return trace.Wrap(ErrPeerRateLimited, "peer %q is rate-limited", peerIP)
	}

	ok := subtle.ConstantTimeCompare([]byte(candidate), []byte(a.token)) == 1
	if ok {
		return nil
	}

	state.failureTimes = pruneOlderThan(state.failureTimes, now.Add(-a.window))
	state.failureTimes = append(state.failureTimes, now)

	if len(state.failureTimes) >= a.maxFailures {
		state.bannedUntil = now.Add(a.banDuration)
	}
	return trace.Wrap(ErrInvalidToken, "invalid auth token from peer %q", peerIP)
}

// IsBanned reports whether peerIP is currently within its ban window,
// without recording a new failure. Used by the handshake state machine to
// reject a Hello before any token comparison runs (spec.md §4.4).
func (a *Authority) IsBanned(peerIP string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	state := a.entries[peerIP]
	if state == nil {
		return false
	}
	return a.now().Before(state.bannedUntil)
}

func pruneOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
