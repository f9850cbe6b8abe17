package loyalty

import (
	"context"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"go.uber.org/zap"
)

// RosterEntry is one public summary keyed by its document id.
type RosterEntry struct {
	Key     string        `json:"key"`
	Summary PublicSummary `json:"summary"`
}

// RosterView reads the full public summary collection.
type RosterView struct {
	store  docstore.Store
	layout Layout
	logger *zap.Logger
}

// Watch subscribes to the summary collection. Every notification delivers the complete roster
// in store order, replacing the previous one.
func (v *RosterView) Watch(ctx context.Context, onRoster func([]RosterEntry), onError func(error)) *docstore.Subscription {
	collection := v.layout.SummaryCollection()
	return v.store.SubscribeCollection(ctx, collection, func(snapshots []docstore.DocumentSnapshot) {
		onRoster(rosterFromSnapshots(snapshots))
	}, func(err error) {
		logServiceError(v.logger, opRosterWatch, "subscription_failed", err)
		onError(newServiceError(opRosterWatch, "subscription_failed", ErrSubscription, err))
	})
}

// List reads the roster once.
func (v *RosterView) List(ctx context.Context) ([]RosterEntry, error) {
	snapshots, err := v.store.List(ctx, v.layout.SummaryCollection())
	if err != nil {
		logServiceError(v.logger, opRosterList, "list_failed", err)
		return nil, newServiceError(opRosterList, "list_failed", ErrRead, err)
	}
	return rosterFromSnapshots(snapshots), nil
}

func rosterFromSnapshots(snapshots []docstore.DocumentSnapshot) []RosterEntry {
	entries := make([]RosterEntry, 0, len(snapshots))
	for _, snapshot := range snapshots {
		key := snapshot.Ref.ID()
		entries = append(entries, RosterEntry{
			Key:     key,
			Summary: summaryFromFields(Identity(key), snapshot.Fields),
		})
	}
	return entries
}
