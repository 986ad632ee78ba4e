package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"finledger/internal/core"
)

type openAccountRequest struct {
	Owner    string `json:"owner"`
	Currency string `json:"currency"`
	Type     string `json:"type"`
}

type balanceResponse struct {
	AccountID    string `json:"account_id"`
	Balance      string `json:"balance"`
	BalanceCents int64  `json:"balance_cents"`
	Currency     string `json:"currency"`
	Seq          int64  `json:"seq"`
}

type entryRequest struct {
	Amount      string `json:"amount"`
	AmountCents int64  `json:"amount_cents"`
	Category    string `json:"category"`
}

// cents resolves the amount from either the decimal string or the raw
// cents field, preferring the string when both are set.
func (r entryRequest) cents() (int64, error) {
	if strings.TrimSpace(r.Amount) != "" {
		return core.ParseDecimalToCents(r.Amount)
	}
	if r.AmountCents <= 0 {
		return 0, core.ErrInvalidAmount
	}
	return r.AmountCents, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, &core.Error{Code: "INVALID_BODY", Message: "invalid " + name + ": must be a UUID"}
	}
	return id, nil
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	typ := core.AccountType(req.Type)
	if req.Type == "" {
		typ = core.Checking
	}

	a, err := s.engine.OpenAccount(r.Context(), req.Owner, core.Currency(req.Currency), typ)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountJSON(a))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := s.engine.Account(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountJSON(a))
}

func (s *Server) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.CloseAccount(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.engine.Account(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountJSON(a))
}

// handleBalance returns the derived balance. With at_seq it replays the
// journal up to that sequence number instead of reading current state.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := s.engine.Account(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if v := strings.TrimSpace(r.URL.Query().Get("at_seq")); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			writeError(w, &core.Error{Code: "INVALID_BODY", Message: "at_seq must be a non-negative integer"})
			return
		}
		bal, err := s.engine.BalanceAt(r.Context(), id, seq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, balanceResponse{
			AccountID:    id.String(),
			Balance:      core.FormatCents(bal.Cents),
			BalanceCents: bal.Cents,
			Currency:     string(a.Currency),
			Seq:          seq,
		})
		return
	}

	bal, seq, err := s.engine.Balance(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID:    id.String(),
		Balance:      core.FormatCents(bal.Cents),
		BalanceCents: bal.Cents,
		Currency:     string(a.Currency),
		Seq:          seq,
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleSingleEntry(w, r, false)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleSingleEntry(w, r, true)
}

func (s *Server) handleSingleEntry(w http.ResponseWriter, r *http.Request, debit bool) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req entryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cents, err := req.cents()
	if err != nil {
		writeError(w, err)
		return
	}

	var entry core.Entry
	if debit {
		entry, err = s.engine.Withdraw(r.Context(), id, cents, req.Category)
	} else {
		entry, err = s.engine.Deposit(r.Context(), id, cents, req.Category)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	s.publishEntry(r.Context(), entry)
	if a, err := s.engine.Account(id); err == nil {
		s.invalidateReport(a.Owner)
	}
	writeJSON(w, http.StatusCreated, toEntryJSON(entry))
}
