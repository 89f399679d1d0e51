package model

import (
	"time"
)

// IdempotencyRecord caches the outcome of one guarded request keyed by a
// client-supplied idempotency key. Processing acts as a mutual-exclusion
// flag: a second request for the same key while it is set must be rejected
// as in flight, never executed again.
type IdempotencyRecord struct {
	Key            string     `db:"idempotency_key" json:"idempotency_key"`
	RequestHash    string     `db:"request_hash" json:"request_hash"`
	ResponseStatus *int       `db:"response_status" json:"response_status,omitempty"`
	ResponseBody   []byte     `db:"response_body" json:"response_body,omitempty"`
	Endpoint       string     `db:"endpoint" json:"endpoint"`
	HTTPMethod     string     `db:"http_method" json:"http_method"`
	UserID         string     `db:"user_id" json:"user_id,omitempty"`
	Processing     bool       `db:"processing" json:"processing"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expires_at"`
	Version        int64      `db:"version" json:"version"`
}

// Expired reports whether the record is past its retention window.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
