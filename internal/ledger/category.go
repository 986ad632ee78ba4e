package ledger

import (
	"context"
	"sort"
	"sync"

	"finledger/internal/core"
)

type categoryStat struct {
	count int64
	total int64
}

// CategoryIndex keeps per-owner, per-period aggregates keyed by category
// name. It is updated incrementally on every committed entry and can be
// rebuilt from the journal after a crash, so it is never the source of
// truth.
type CategoryIndex struct {
	mu    sync.RWMutex
	stats map[string]map[string]map[string]*categoryStat // owner -> period -> category
}

func NewCategoryIndex() *CategoryIndex {
	return &CategoryIndex{stats: make(map[string]map[string]map[string]*categoryStat)}
}

// Add records one signed entry amount under the owner, period and category.
func (ci *CategoryIndex) Add(owner, period, category string, cents int64) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	periods, ok := ci.stats[owner]
	if !ok {
		periods = make(map[string]map[string]*categoryStat)
		ci.stats[owner] = periods
	}
	cats, ok := periods[period]
	if !ok {
		cats = make(map[string]*categoryStat)
		periods[period] = cats
	}
	st, ok := cats[category]
	if !ok {
		st = &categoryStat{}
		cats[category] = st
	}
	st.count++
	st.total += cents
}

// Report returns the aggregates for one owner and period, sorted by
// category name for stable output.
func (ci *CategoryIndex) Report(owner, period string) core.CategoryReport {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	report := core.CategoryReport{Owner: owner, Period: period}
	cats, ok := ci.stats[owner][period]
	if !ok {
		return report
	}
	for name, st := range cats {
		report.ByCategory = append(report.ByCategory, core.CategoryTotal{
			Name:  name,
			Count: st.count,
			Total: core.Money{Cents: st.total},
		})
	}
	sort.Slice(report.ByCategory, func(i, j int) bool {
		return report.ByCategory[i].Name < report.ByCategory[j].Name
	})
	return report
}

// Rebuild recomputes the whole index from the journal. Used for recovery;
// the result must match the incrementally maintained state.
func RebuildCategoryIndex(ctx context.Context, journal Journal) (*CategoryIndex, error) {
	index := NewCategoryIndex()
	accounts, err := journal.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		var fromSeq int64 = 1
		for {
			batch, err := journal.Entries(ctx, a.ID, fromSeq, replayBatchSize)
			if err != nil {
				return nil, err
			}
			for _, entry := range batch {
				index.Add(a.Owner, core.Period(entry.CreatedAt), entry.Category, entry.Amount)
			}
			if len(batch) < replayBatchSize {
				break
			}
			fromSeq = batch[len(batch)-1].Seq + 1
		}
	}
	return index, nil
}
