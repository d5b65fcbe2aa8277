package domain

import "onboardgate/internal/snapshot"

// NoOrg stands in for the organization id before the user has one.
const NoOrg = "-"

type SnapshotRecord struct {
	UserID    string          `json:"user_id"`
	OrgID     string          `json:"org_id"`
	Doc       snapshot.Object `json:"doc"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// GateRecord is a persisted gate verdict. ComputedAt is epoch milliseconds.
type GateRecord struct {
	UserID     string `json:"user_id"`
	OrgID      string `json:"org_id"`
	Complete   bool   `json:"complete"`
	NextStep   string `json:"next_step,omitempty"`
	ETag       string `json:"etag"`
	ComputedAt int64  `json:"computed_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	OrgID     string `json:"org_id,omitempty"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
