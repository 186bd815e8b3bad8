package types

import "time"

// Entry is a value held by a KVStore together with its absolute expiry.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether the entry has expired at now. A zero ExpiresAt never expires.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Remaining returns the time left before expiry, or 0 when the entry never expires.
func (e Entry) Remaining(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// ExpiryFor converts a ttl into an absolute expiry. Zero ttl yields the zero time.
func ExpiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
