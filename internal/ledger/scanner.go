package ledger

import (
	"context"

	"github.com/google/uuid"

	"finledger/internal/core"
)

const scannerBatchSize = 100

// Scanner is a lazy forward iterator over one account's entries, in the
// style of sql.Rows. It fetches batches on demand, so long histories never
// load at once, and it is restartable: NextSeq can seed a fresh Scanner
// after an interruption.
type Scanner struct {
	journal   Journal
	accountID uuid.UUID
	nextSeq   int64

	batch []core.Entry
	idx   int
	done  bool
	err   error
}

func newScanner(journal Journal, accountID uuid.UUID, fromSeq int64) *Scanner {
	if fromSeq < 1 {
		fromSeq = 1
	}
	return &Scanner{journal: journal, accountID: accountID, nextSeq: fromSeq}
}

// Next advances to the next entry, fetching a new batch when the current one
// is exhausted. It returns false at the end of the ledger or on error.
func (s *Scanner) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	s.idx++
	if s.idx < len(s.batch) {
		s.nextSeq = s.batch[s.idx].Seq + 1
		return true
	}
	if s.done {
		return false
	}

	batch, err := s.journal.Entries(ctx, s.accountID, s.nextSeq, scannerBatchSize)
	if err != nil {
		s.err = err
		return false
	}
	if len(batch) < scannerBatchSize {
		s.done = true
	}
	if len(batch) == 0 {
		return false
	}
	s.batch = batch
	s.idx = 0
	s.nextSeq = batch[0].Seq + 1
	return true
}

// Entry returns the current entry. Only valid after Next returned true.
func (s *Scanner) Entry() core.Entry {
	return s.batch[s.idx]
}

// NextSeq returns the sequence number a restarted scan should resume from.
func (s *Scanner) NextSeq() int64 {
	return s.nextSeq
}

// Err returns the first error hit during scanning, if any.
func (s *Scanner) Err() error {
	return s.err
}
