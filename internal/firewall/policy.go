package firewall

import (
	"context"
	"sync"
)

// Policy is the single mutual-exclusion boundary around a Store. Blacklist
// and whitelist engines share one Policy so their writes to the common
// service rule group never interleave.
type Policy struct {
	mu    sync.Mutex
	store Store
}

func NewPolicy(store Store) *Policy {
	return &Policy{store: store}
}

// Update runs fn with exclusive access to the store. When the store supports
// transactions, fn's writes are applied atomically.
func (p *Policy) Update(ctx context.Context, fn func(Store) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tx, ok := p.store.(Transactor); ok {
		return tx.Transaction(ctx, fn)
	}
	return fn(p.store)
}

// View runs fn with exclusive access for reads only.
func (p *Policy) View(fn func(Store) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.store)
}
