// Package subs keeps the subscription set grouped by watched account.
package subs

import (
	"context"
	"sort"
	"sync"

	"feedwatch/internal/model"
)

type Store interface {
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
}

// Registry is a lazily loaded view of all subscriptions keyed by account id.
// Administrative writes must call Invalidate; the next read reloads. A load
// that overlaps an Invalidate serves its caller but is not kept.
type Registry struct {
	store Store

	mu        sync.Mutex
	gen       uint64
	byAccount map[string][]model.Subscription
}

func New(store Store) *Registry {
	return &Registry{store: store}
}

// ForAccount returns the subscriptions watching accountID. The slice is a copy.
func (r *Registry) ForAccount(ctx context.Context, accountID string) ([]model.Subscription, error) {
	m, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return append([]model.Subscription(nil), m[accountID]...), nil
}

// WatchedAccountIDs returns the sorted ids with at least one subscription.
func (r *Registry) WatchedAccountIDs(ctx context.Context) ([]string, error) {
	m, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.gen++
	r.byAccount = nil
	r.mu.Unlock()
}

// current returns the grouped view, loading it when needed. The returned map
// is shared and must not be modified.
func (r *Registry) current(ctx context.Context) (map[string][]model.Subscription, error) {
	r.mu.Lock()
	m, gen := r.byAccount, r.gen
	r.mu.Unlock()
	if m != nil {
		return m, nil
	}

	all, err := r.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	m = make(map[string][]model.Subscription)
	for _, s := range all {
		m[s.AccountID] = append(m[s.AccountID], s)
	}

	r.mu.Lock()
	if r.gen == gen && r.byAccount == nil {
		r.byAccount = m
	}
	r.mu.Unlock()
	return m, nil
}
