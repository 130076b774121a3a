package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/ledger"
)

// ReferralJSON links a payee to the identity that referred it. An empty
// referrer registers the payee with no upline.
type ReferralJSON struct {
	PayeeID    string `json:"payee_id"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

// LoadReferrals applies a JSON array of referrals to dir.
func LoadReferrals(dir *commission.StaticDirectory, data []byte) (int, error) {
	var refs []ReferralJSON
	if err := json.Unmarshal(data, &refs); err != nil {
		return 0, fmt.Errorf("failed to parse referrals JSON: %w", err)
	}
	for i, r := range refs {
		if r.PayeeID == "" {
			return i, fmt.Errorf("referral %d: payee_id is required", i)
		}
		if r.ReferrerID == "" {
			dir.Register(ledger.PayeeID(r.PayeeID))
			continue
		}
		if err := dir.Link(ledger.PayeeID(r.PayeeID), ledger.PayeeID(r.ReferrerID)); err != nil {
			return i, fmt.Errorf("referral %d: %w", i, err)
		}
	}
	return len(refs), nil
}

// LoadReferralsFile reads referrals from disk into dir.
func LoadReferralsFile(dir *commission.StaticDirectory, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read referrals %s: %w", path, err)
	}
	return LoadReferrals(dir, data)
}
