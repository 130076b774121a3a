package commission

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/commission-ledger/ledger"
)

// StaticDirectory is an in-memory PayeeDirectory. Safe for concurrent use.
type StaticDirectory struct {
	mu        sync.RWMutex
	known     map[ledger.PayeeID]bool
	referrers map[ledger.PayeeID]ledger.PayeeID
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		known:     make(map[ledger.PayeeID]bool),
		referrers: make(map[ledger.PayeeID]ledger.PayeeID),
	}
}

// Register adds identities with no referrer.
func (d *StaticDirectory) Register(ids ...ledger.PayeeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			d.known[id] = true
		}
	}
}

// Link records that referrer referred id. Both become known.
func (d *StaticDirectory) Link(id, referrer ledger.PayeeID) error {
	if id == "" || referrer == "" {
		return fmt.Errorf("%w: referral link needs both identities", ErrUnknownPayee)
	}
	if id == referrer {
		return fmt.Errorf("%w: %s cannot refer itself", ErrUnknownPayee, id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.known[id] = true
	d.known[referrer] = true
	d.referrers[id] = referrer
	return nil
}

func (d *StaticDirectory) Referrer(_ context.Context, id ledger.PayeeID) (ledger.PayeeID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.known[id] {
		return "", fmt.Errorf("%w: %s", ErrUnknownPayee, id)
	}
	return d.referrers[id], nil
}

// Links returns a copy of every referral link.
func (d *StaticDirectory) Links() map[ledger.PayeeID]ledger.PayeeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[ledger.PayeeID]ledger.PayeeID, len(d.referrers))
	for k, v := range d.referrers {
		out[k] = v
	}
	return out
}

// Known lists registered identities in sorted order.
func (d *StaticDirectory) Known() []ledger.PayeeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ledger.PayeeID, 0, len(d.known))
	for id := range d.known {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
