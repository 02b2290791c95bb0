package ratelimit

import (
	"strings"
	"time"

	"github.com/noah-isme/timetrack-api/pkg/config"
)

// Family names a rate-limited operation.
type Family string

const (
	FamilyRegister      Family = "register"
	FamilyLogin         Family = "login"
	FamilyRefresh       Family = "refresh"
	FamilyPasswordReset Family = "reset"
)

// Policy is a limit of Max events per Window.
type Policy struct {
	Max    int
	Window time.Duration
}

// Limiter applies per-family policies over a shared Store.
type Limiter struct {
	store    Store
	policies map[Family]Policy
	horizon  time.Duration
}

// DefaultPolicies returns registration 5/h per IP, login 5/15m per IP,
// refresh 10/min per user and password reset 3/h per email.
func DefaultPolicies() map[Family]Policy {
	return map[Family]Policy{
		FamilyRegister:      {Max: 5, Window: time.Hour},
		FamilyLogin:         {Max: 5, Window: 15 * time.Minute},
		FamilyRefresh:       {Max: 10, Window: time.Minute},
		FamilyPasswordReset: {Max: 3, Window: time.Hour},
	}
}

// PoliciesFromConfig maps configuration onto limiter policies.
func PoliciesFromConfig(cfg config.RateLimitConfig) map[Family]Policy {
	policies := DefaultPolicies()
	set := func(f Family, p config.RateLimitPolicy) {
		if p.Max > 0 && p.Window > 0 {
			policies[f] = Policy{Max: p.Max, Window: p.Window}
		}
	}
	set(FamilyRegister, cfg.Register)
	set(FamilyLogin, cfg.Login)
	set(FamilyRefresh, cfg.Refresh)
	set(FamilyPasswordReset, cfg.PasswordReset)
	return policies
}

// NewLimiter builds a limiter. Missing families fall back to DefaultPolicies.
// horizon bounds how long idle keys are retained by Cleanup and is never
// shorter than the widest policy window.
func NewLimiter(store Store, policies map[Family]Policy, horizon time.Duration) *Limiter {
	merged := DefaultPolicies()
	for f, p := range policies {
		merged[f] = p
	}
	if horizon <= 0 {
		horizon = 2 * time.Hour
	}
	for _, p := range merged {
		horizon = max(horizon, p.Window)
	}
	return &Limiter{store: store, policies: merged, horizon: horizon}
}

// Policy returns the policy configured for family.
func (l *Limiter) Policy(family Family) Policy {
	return l.policies[family]
}

// Allow records an event for subject under family. Email subjects are
// case-folded so "A@x.io" and "a@x.io" share a bucket.
func (l *Limiter) Allow(family Family, subject string) Decision {
	p := l.policies[family]
	return l.store.Allow(Key(family, subject), p.Window, p.Max)
}

// Cleanup prunes state older than the retention horizon.
func (l *Limiter) Cleanup() int {
	return l.store.Cleanup(l.horizon)
}

// Len reports how many keys are currently tracked.
func (l *Limiter) Len() int {
	return l.store.Len()
}

// Key builds the namespaced store key for a family and subject.
func Key(family Family, subject string) string {
	subject = strings.TrimSpace(subject)
	if family == FamilyPasswordReset {
		subject = strings.ToLower(subject)
	}
	return string(family) + ":" + subject
}
