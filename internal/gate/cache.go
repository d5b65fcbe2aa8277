package gate

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"onboardgate/internal/domain"
	"onboardgate/internal/flow"
)

// DefaultTTL is how long a computed state stays usable.
const DefaultTTL = 5 * time.Minute

// State is the gate's verdict for one (user, org) pair. It is derived data and
// never a source of truth.
type State struct {
	Complete    bool
	NextStep    flow.StepID
	Fingerprint string
	ComputedAt  time.Time
}

type stateJSON struct {
	Complete  bool   `json:"complete"`
	NextStep  string `json:"nextStep,omitempty"`
	ETag      string `json:"etag"`
	UpdatedAt int64  `json:"updatedAt"`
}

// MarshalJSON writes the published shape: complete, nextStep, etag, updatedAt (epoch ms).
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		Complete:  s.Complete,
		NextStep:  string(s.NextStep),
		ETag:      s.Fingerprint,
		UpdatedAt: s.ComputedAt.UnixMilli(),
	})
}

// UnmarshalJSON reads the published shape.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = State{
		Complete:    raw.Complete,
		NextStep:    flow.StepID(raw.NextStep),
		Fingerprint: raw.ETag,
		ComputedAt:  time.UnixMilli(raw.UpdatedAt).UTC(),
	}
	return nil
}

// Cache stores gate states per (user, org).
//
// Get returns a state only while it is within the TTL; an expired entry is
// evicted and reported absent. Put overwrites, stamps ComputedAt with the
// cache's clock and returns the state as stored. Implementations need
// last-writer-wins semantics only.
type Cache interface {
	Get(ctx context.Context, userID, orgID string) (State, bool, error)
	Put(ctx context.Context, userID, orgID string, state State) (State, error)
}

// Key builds the composite cache key. An empty org maps to domain.NoOrg. The
// org is length-prefixed so ids containing the separator cannot collide.
func Key(userID, orgID string) string {
	if orgID == "" {
		orgID = domain.NoOrg
	}
	return strconv.Itoa(len(orgID)) + ":" + orgID + "/" + userID
}

func fresh(computedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(computedAt) <= ttl
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]State
}

// NewMemoryCache returns an empty cache. A non-positive ttl uses DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{TTL: ttl, Now: time.Now, entries: make(map[string]State)}
}

func (c *MemoryCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *MemoryCache) Get(_ context.Context, userID, orgID string) (State, bool, error) {
	key := Key(userID, orgID)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.entries[key]
	if !ok {
		return State{}, false, nil
	}
	if !fresh(st.ComputedAt, c.now(), c.TTL) {
		delete(c.entries, key)
		return State{}, false, nil
	}
	return st, true, nil
}

func (c *MemoryCache) Put(_ context.Context, userID, orgID string, state State) (State, error) {
	state.ComputedAt = c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]State)
	}
	c.entries[Key(userID, orgID)] = state
	return state, nil
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
