package loyalty

import (
	"context"
	"math"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"go.uber.org/zap"
)

// NextBalance returns max(0, current+delta), saturating instead of overflowing.
func NextBalance(current, delta int64) int64 {
	sum := current + delta
	if delta > 0 && sum < current {
		sum = math.MaxInt64
	}
	if delta < 0 && sum > current {
		sum = math.MinInt64
	}
	if sum < 0 {
		return 0
	}
	return sum
}

// LedgerMutator adjusts point balances on both records of a target identity.
//
// The two writes are independent, not a transaction, and the new balance is computed from the
// caller's currentPoints rather than incremented in the store: two adjustments made from the same
// stale read race, and the last write wins.
type LedgerMutator struct {
	store  docstore.Store
	layout Layout
	logger *zap.Logger
}

// Adjust writes NextBalance(currentPoints, delta) to the private profile, then to the public
// summary. If the private write fails nothing changed. If only the public write fails the error
// is ErrPartialLedgerWrite; the summary is re-derived from the private profile on the next
// mirror sync or Reconcile.
func (m *LedgerMutator) Adjust(ctx context.Context, target Identity, currentPoints, delta int64) (int64, error) {
	privateRef, err := m.layout.ProfileRef(target)
	if err != nil {
		return 0, newServiceError(opLedgerAdjust, "invalid_ref", ErrInvalidIdentity, err)
	}
	publicRef, err := m.layout.SummaryRef(target)
	if err != nil {
		return 0, newServiceError(opLedgerAdjust, "invalid_ref", ErrInvalidIdentity, err)
	}

	newPoints := NextBalance(currentPoints, delta)
	update := docstore.Fields{fieldPoints: newPoints}

	if err := m.store.Update(ctx, privateRef, update); err != nil {
		logServiceError(m.logger, opLedgerAdjust, "private_write_failed", err,
			zap.String("identity", target.String()))
		return 0, newServiceError(opLedgerAdjust, "private_write_failed", ErrWrite, err)
	}
	if err := m.store.Update(ctx, publicRef, update); err != nil {
		logServiceError(m.logger, opLedgerAdjust, "public_write_failed", err,
			zap.String("identity", target.String()),
			zap.Int64("private_points", newPoints))
		return newPoints, newServiceError(opLedgerAdjust, "public_write_failed", ErrPartialLedgerWrite, err)
	}

	m.logger.Info("ledger adjusted",
		zap.String("identity", target.String()),
		zap.Int64("current_points", currentPoints),
		zap.Int64("delta", delta),
		zap.Int64("points", newPoints))
	return newPoints, nil
}
