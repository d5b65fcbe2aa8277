package gate

import (
	"context"
	"errors"
	"time"

	"onboardgate/internal/domain"
	"onboardgate/internal/flow"
	"onboardgate/internal/repo"
)

// SQLCache keeps gate states in the gate_cache table so several server
// instances sharing one database see the same entries.
type SQLCache struct {
	Repo repo.Repo
	TTL  time.Duration
	Now  func() time.Time
}

// NewSQLCache returns a shared cache. A non-positive ttl uses DefaultTTL.
func NewSQLCache(r repo.Repo, ttl time.Duration) SQLCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return SQLCache{Repo: r, TTL: ttl, Now: time.Now}
}

func (c SQLCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c SQLCache) Get(ctx context.Context, userID, orgID string) (State, bool, error) {
	key := Key(userID, orgID)
	rec, err := c.Repo.GetGateRecord(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	st := State{
		Complete:    rec.Complete,
		NextStep:    flow.StepID(rec.NextStep),
		Fingerprint: rec.ETag,
		ComputedAt:  time.UnixMilli(rec.ComputedAt),
	}
	if !fresh(st.ComputedAt, c.now(), c.TTL) {
		if err := c.Repo.DeleteGateRecord(ctx, key); err != nil {
			return State{}, false, err
		}
		return State{}, false, nil
	}
	return st, true, nil
}

func (c SQLCache) Put(ctx context.Context, userID, orgID string, state State) (State, error) {
	if orgID == "" {
		orgID = domain.NoOrg
	}
	// Stored with millisecond precision; return what a later Get will see.
	state.ComputedAt = time.UnixMilli(c.now().UnixMilli())
	err := c.Repo.PutGateRecord(ctx, Key(userID, orgID), domain.GateRecord{
		UserID:     userID,
		OrgID:      orgID,
		Complete:   state.Complete,
		NextStep:   string(state.NextStep),
		ETag:       state.Fingerprint,
		ComputedAt: state.ComputedAt.UnixMilli(),
	})
	if err != nil {
		return State{}, err
	}
	return state, nil
}
