package model

import "time"

// AccessToken is a short-lived bearer token issued by the brokerage token endpoint.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// ValidAt reports whether the token can still be used at now while keeping
// margin of headroom before it expires.
func (t AccessToken) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Token != "" && now.Add(margin).Before(t.ExpiresAt)
}
