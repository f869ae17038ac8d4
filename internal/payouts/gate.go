package payouts

import (
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// Gate evaluates the eligibility checks in order and returns the first failing
// reason. ok is true when the store may be paid out.
func Gate(store models.Store, balance models.SellerBalance, minimumCents int64) (enums.PayoutSkipReason, bool) {
	switch {
	case store.KYCStatus == nil:
		return enums.PayoutSkipNoKYC, false
	case balance.PayoutPendingCents > 0:
		return enums.PayoutSkipPayoutPending, false
	case store.PayoutsFrozen:
		return enums.PayoutSkipPayoutsFrozen, false
	case store.RiskFlag:
		return enums.PayoutSkipRiskFlagged, false
	case *store.KYCStatus != enums.KYCStatusVerified:
		return enums.PayoutSkipKYCNotVerified, false
	case balance.AvailableCents < minimumCents || balance.AvailableCents <= 0:
		return enums.PayoutSkipBelowThreshold, false
	}
	return "", true
}
