// Package reconcile merges server-confirmed records with optimistic local
// ones so that readers see exactly one record per logical entity.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/dukafiti/dukasync/domain"
	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/synckit"
)

// KeyFunc returns the composite key of a record, or "" when it has none.
type KeyFunc func(synckit.CachedEntity) string

// Conflict records two copies of one logical entity whose payloads disagree.
// The synced copy always wins; the conflict is reported, never fatal.
type Conflict struct {
	Resource string
	Key      string
	Winner   synckit.CachedEntity
	Loser    synckit.CachedEntity
	Fields   []string
}

// Err renders the conflict as a ReconciliationConflict error.
func (c Conflict) Err() error {
	return syncErrors.E(
		syncErrors.OpReconcile,
		syncErrors.Component("reconcile"),
		syncErrors.KindReconciliationConflict,
		syncErrors.ErrCodeConflictFailure,
		map[string]interface{}{"resource": c.Resource, "key": c.Key, "fields": c.Fields},
		fmt.Sprintf("%s %s: synced copy %s differs in %v", c.Resource, c.Key, c.Winner.ID, c.Fields),
	)
}

// Dedupe keeps one record per composite key, preferring synced records and
// then the most recently updated, and returns them most recent first.
// Dedupe(Dedupe(x)) equals Dedupe(x).
func Dedupe(records []synckit.CachedEntity, keyFn KeyFunc) []synckit.CachedEntity {
	out, _ := DedupeReport(records, keyFn)
	return out
}

// DedupeReport is Dedupe that also returns the divergent pairs it resolved.
func DedupeReport(records []synckit.CachedEntity, keyFn KeyFunc) ([]synckit.CachedEntity, []Conflict) {
	if keyFn == nil {
		keyFn = domain.CompositeKey
	}

	winners := make(map[string]synckit.CachedEntity, len(records))
	order := make([]string, 0, len(records))
	var conflicts []Conflict

	for _, r := range records {
		k := identity(r, keyFn)
		cur, seen := winners[k]
		if !seen {
			winners[k] = r
			order = append(order, k)
			continue
		}

		win, lose := cur, r
		if better(r, cur) {
			win, lose = r, cur
		}
		winners[k] = win

		if win.Synced && !lose.Synced {
			if fields := domain.Diverging(win.Resource, lose.Data, win.Data); len(fields) > 0 {
				conflicts = append(conflicts, Conflict{
					Resource: win.Resource,
					Key:      k,
					Winner:   win,
					Loser:    lose,
					Fields:   fields,
				})
			}
		}
	}

	out := make([]synckit.CachedEntity, 0, len(winners))
	for _, k := range order {
		out = append(out, winners[k])
	}
	SortRecent(out)
	return out, conflicts
}

// identity is the composite key, falling back to the record's own id.
func identity(r synckit.CachedEntity, keyFn KeyFunc) string {
	if k := keyFn(r); k != "" {
		return "ck:" + k
	}
	if r.ID != "" {
		return "id:" + r.ID
	}
	return "key:" + r.Key()
}

// better reports whether a should replace b.
func better(a, b synckit.CachedEntity) bool {
	if a.Synced != b.Synced {
		return a.Synced
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	// Deterministic tie-break keeps Dedupe order independent.
	if a.ID != b.ID {
		return a.ID > b.ID
	}
	return a.Key() > b.Key()
}

// SortRecent orders records most recently updated first.
func SortRecent(records []synckit.CachedEntity) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.Key() < b.Key()
	})
}
