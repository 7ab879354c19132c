package models

import "time"

// APIKey represents a gateway API key. The raw key value is never stored,
// only its SHA-256 hash and a short display hint.
type APIKey struct {
	ID        string     `json:"id"`
	KeyHash   string     `json:"-"`
	KeyHint   string     `json:"key_hint"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// RequestLog represents one pass through the admission pipeline
type RequestLog struct {
	RequestID    string
	Identity     string
	Operation    string
	CacheStatus  string
	Allowed      bool
	StatusCode   int
	LatencyMs    int
	ErrorMessage *string
	CreatedAt    time.Time
}
