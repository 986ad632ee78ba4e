package http

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"finledger/internal/core"
	"finledger/internal/ledger"
)

type createTransferRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Amount       string `json:"amount"`
	AmountCents  int64  `json:"amount_cents"`
	Currency     string `json:"currency"`
	Category     string `json:"category"`
	RequestToken string `json:"request_token"`
}

type transferResponse struct {
	Transfer  transferJSON `json:"transfer"`
	Duplicate bool         `json:"duplicate"`
}

// handleCreateTransfer applies an atomic debit/credit pair. A repeated
// request token replays the original outcome with 200 instead of 201.
func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	from, err := uuid.Parse(req.From)
	if err != nil {
		writeError(w, &core.Error{Code: "INVALID_BODY", Message: "invalid from: must be a UUID"})
		return
	}
	to, err := uuid.Parse(req.To)
	if err != nil {
		writeError(w, &core.Error{Code: "INVALID_BODY", Message: "invalid to: must be a UUID"})
		return
	}

	cents := req.AmountCents
	if strings.TrimSpace(req.Amount) != "" {
		if cents, err = core.ParseDecimalToCents(req.Amount); err != nil {
			writeError(w, err)
			return
		}
	}

	token := strings.TrimSpace(req.RequestToken)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	t, duplicate, err := s.engine.Transfer(r.Context(), ledger.TransferRequest{
		From:         from,
		To:           to,
		Amount:       cents,
		Currency:     core.Currency(req.Currency),
		Category:     req.Category,
		RequestToken: token,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	} else {
		s.publishTransferEntries(r, t)
		s.invalidateTransferReports(t)
	}
	writeJSON(w, status, transferResponse{Transfer: toTransferJSON(t), Duplicate: duplicate})
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.engine.GetTransfer(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferJSON(t))
}

// handleReverseTransfer appends the offsetting pair for a committed
// transfer. Reversing the same transfer twice replays the first reversal.
func (s *Server) handleReverseTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	t, duplicate, err := s.engine.Reverse(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	} else {
		s.publishTransferEntries(r, t)
		s.invalidateTransferReports(t)
	}
	writeJSON(w, status, transferResponse{Transfer: toTransferJSON(t), Duplicate: duplicate})
}

func (s *Server) publishTransferEntries(r *http.Request, t core.Transfer) {
	if s.events == nil {
		return
	}
	s.publishEntry(r.Context(), core.Entry{ID: t.DebitEntryID, CorrelationID: t.ID, Seq: t.DebitSeq})
	s.publishEntry(r.Context(), core.Entry{ID: t.CreditEntryID, CorrelationID: t.ID, Seq: t.CreditSeq})
}

func (s *Server) invalidateTransferReports(t core.Transfer) {
	if a, err := s.engine.Account(t.From); err == nil {
		s.invalidateReport(a.Owner)
	}
	if a, err := s.engine.Account(t.To); err == nil {
		s.invalidateReport(a.Owner)
	}
}
