// Package gate decides whether a user has finished onboarding for an
// organization, memoising verdicts per (user, org).
package gate

import (
	"context"
	"time"

	"onboardgate/internal/domain"
	"onboardgate/internal/flow"
	"onboardgate/internal/snapshot"
)

// SnapshotStore loads the facts known for a (user, org) pair.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, userID, orgID string) (snapshot.Object, error)
}

// Service orchestrates cache lookup, snapshot load, evaluation and cache write.
type Service struct {
	Store SnapshotStore
	Cache Cache
	Flow  flow.Definition
	Now   func() time.Time
}

// New returns a Service using the shipped onboarding flow.
func New(store SnapshotStore, cache Cache) Service {
	return Service{Store: store, Cache: cache, Flow: flow.Onboarding(), Now: time.Now}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// OnboardingGate returns the gate state for userID in orgID. An empty orgID
// means the user has no organization yet.
//
// Only a fresh, complete cached state short-circuits. Incomplete states are
// recomputed on every call even when cached. Store and cache errors are
// returned unwrapped; there is no retry and no fallback to stale data.
func (s Service) OnboardingGate(ctx context.Context, userID, orgID string) (State, error) {
	if orgID == "" {
		orgID = domain.NoOrg
	}
	if s.Cache != nil {
		cached, ok, err := s.Cache.Get(ctx, userID, orgID)
		if err != nil {
			return State{}, err
		}
		if ok && cached.Complete {
			return cached, nil
		}
	}

	snap, err := s.Store.LoadSnapshot(ctx, userID, orgID)
	if err != nil {
		return State{}, err
	}
	st, err := s.compute(snap)
	if err != nil {
		return State{}, err
	}
	if s.Cache == nil {
		st.ComputedAt = s.now()
		return st, nil
	}
	return s.Cache.Put(ctx, userID, orgID, st)
}

// Explain evaluates without consulting or writing the cache.
func (s Service) Explain(ctx context.Context, userID, orgID string) (flow.Verdict, string, error) {
	if orgID == "" {
		orgID = domain.NoOrg
	}
	snap, err := s.Store.LoadSnapshot(ctx, userID, orgID)
	if err != nil {
		return flow.Verdict{}, "", err
	}
	fp, err := snapshot.Fingerprint(snap)
	if err != nil {
		return flow.Verdict{}, "", err
	}
	return flow.Evaluate(s.Flow, snap), fp, nil
}

func (s Service) compute(snap snapshot.Object) (State, error) {
	verdict := flow.Evaluate(s.Flow, snap)
	fp, err := snapshot.Fingerprint(snap)
	if err != nil {
		return State{}, err
	}
	return State{
		Complete:    verdict.Complete,
		NextStep:    verdict.NextStep,
		Fingerprint: fp,
	}, nil
}
