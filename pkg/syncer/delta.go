package syncer

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/relves/groupsync/pkg/eventlog"
	"github.com/relves/groupsync/pkg/types"
)

// Interleave merges the three delta lists of res back into height order.
func Interleave(res types.SyncRes) []eventlog.Entry {
	entries := make([]eventlog.Entry, 0, len(res.Added)+len(res.Removed)+len(res.Messages))
	for _, a := range res.Added {
		entries = append(entries, eventlog.Entry{
			Height: a.Height,
			Event:  types.MemberJoin(a.Member, a.Name, a.Avatar),
		})
	}
	for _, r := range res.Removed {
		entries = append(entries, eventlog.Entry{
			Height: r.Height,
			Event:  types.MemberLeave(r.Member),
		})
	}
	for _, m := range res.Messages {
		entries = append(entries, eventlog.Entry{
			Height: m.Height,
			Event:  types.MessageCreate(m.Member, m.Message, m.Time),
		})
	}

	slices.SortStableFunc(entries, func(a, b eventlog.Entry) int {
		return cmp.Compare(a.Height, b.Height)
	})
	return entries
}

// checkComplete verifies that entries cover exactly (res.From, res.To].
func checkComplete(res types.SyncRes, entries []eventlog.Entry) error {
	if res.To > res.Current {
		return fmt.Errorf("%w: to height %d beyond current %d", types.ErrIncompleteDelta, res.To, res.Current)
	}
	if want := res.To - res.From; int64(len(entries)) != want {
		return fmt.Errorf("%w: %d events for range (%d, %d]", types.ErrIncompleteDelta, len(entries), res.From, res.To)
	}
	for i, en := range entries {
		if want := res.From + 1 + int64(i); en.Height != want {
			return fmt.Errorf("%w: expected height %d, got %d", types.ErrIncompleteDelta, want, en.Height)
		}
	}
	return nil
}
