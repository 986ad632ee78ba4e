package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"finledger/internal/core"
	"finledger/internal/ledger"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type transactionsResponse struct {
	Entries []entryJSON `json:"entries"`
	NextSeq int64       `json:"next_seq,omitempty"`
}

type categoryTotalJSON struct {
	Name       string `json:"name"`
	Count      int64  `json:"count"`
	Total      string `json:"total"`
	TotalCents int64  `json:"total_cents"`
}

type categoryReportJSON struct {
	Owner      string              `json:"owner"`
	Period     string              `json:"period"`
	Categories []categoryTotalJSON `json:"categories"`
}

// handleTransactions lists committed entries, filtered by account,
// category and starting sequence number.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter ledger.EntryFilter
	if v := strings.TrimSpace(q.Get("account")); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, &core.Error{Code: "INVALID_BODY", Message: "invalid account: must be a UUID"})
			return
		}
		filter.Account = &id
	}
	filter.Category = strings.TrimSpace(q.Get("category"))

	if v := strings.TrimSpace(q.Get("from_seq")); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 1 {
			writeError(w, &core.Error{Code: "INVALID_BODY", Message: "from_seq must be a positive integer"})
			return
		}
		filter.FromSeq = seq
	}

	filter.Limit = defaultListLimit
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, &core.Error{Code: "INVALID_BODY", Message: "limit must be a positive integer"})
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}

	entries, err := s.engine.Transactions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := transactionsResponse{Entries: make([]entryJSON, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toEntryJSON(e))
	}
	// Pagination cursor only makes sense for a single account.
	if filter.Account != nil && len(entries) == filter.Limit {
		resp.NextSeq = entries[len(entries)-1].Seq + 1
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCategoryReport returns per-category counts and totals for one
// owner and one period. Reads hit a snapshot, never the append path.
func (s *Server) handleCategoryReport(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, core.ErrEmptyOwner)
		return
	}
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	if period == "" {
		period = core.Period(time.Now())
	}
	if _, err := time.Parse("2006-01", period); err != nil {
		writeError(w, &core.Error{Code: "INVALID_BODY", Message: "period must be formatted YYYY-MM"})
		return
	}

	key := s.reportCacheKey(owner, period)
	report, found := s.reportCache.Get(key)
	if found {
		slog.DebugContext(r.Context(), "Report cache hit", "owner", owner, "period", period)
	} else {
		report = s.engine.CategoryReport(owner, period)
		s.reportCache.Set(key, report)
	}

	resp := categoryReportJSON{
		Owner:      report.Owner,
		Period:     report.Period,
		Categories: make([]categoryTotalJSON, 0, len(report.ByCategory)),
	}
	for _, c := range report.ByCategory {
		resp.Categories = append(resp.Categories, categoryTotalJSON{
			Name:       c.Name,
			Count:      c.Count,
			Total:      core.FormatCents(c.Total.Cents),
			TotalCents: c.Total.Cents,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
