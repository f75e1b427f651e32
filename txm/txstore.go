package txm

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxStore is the in-process view of managed transactions: in-flight
// records awaiting a terminal state, plus a bounded history of completed
// ones. The store owns all record access: terminal mutation happens inside
// Finalize under the lock, and lookups return copies, so control-plane
// readers never observe a half-written record.
type TxStore struct {
	lock sync.RWMutex

	inflight  map[string]*TxRecord
	history   map[string]*TxRecord
	byHash    map[common.Hash]string
	retention map[string]time.Time

	// reserved counts submission slots claimed via ReserveInFlight that
	// have not yet materialized as in-flight records.
	reserved int
}

func NewTxStore() *TxStore {
	return &TxStore{
		inflight:  make(map[string]*TxRecord),
		history:   make(map[string]*TxRecord),
		byHash:    make(map[common.Hash]string),
		retention: make(map[string]time.Time),
	}
}

// ReserveInFlight claims a submission slot under the ceiling before any
// signing or broadcast work starts, so concurrent submissions cannot
// overshoot it. AddInFlight consumes the claim; CancelReservation hands it
// back when the submission never reaches the chain.
func (s *TxStore) ReserveInFlight(max int) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if max > 0 && len(s.inflight)+s.reserved >= max {
		return ErrTooManyPending
	}
	s.reserved++
	return nil
}

func (s *TxStore) CancelReservation() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.reserved > 0 {
		s.reserved--
	}
}

func (s *TxStore) AddInFlight(rec *TxRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exists := s.inflight[rec.ID]; exists {
		return fmt.Errorf("transaction already in flight: %s", rec.ID)
	}
	if _, exists := s.history[rec.ID]; exists {
		return fmt.Errorf("transaction already completed: %s", rec.ID)
	}
	s.inflight[rec.ID] = rec
	if rec.Hash != (common.Hash{}) {
		s.byHash[rec.Hash] = rec.ID
	}
	if s.reserved > 0 {
		s.reserved--
	}
	return nil
}

func (s *TxStore) Get(id string) (*TxRecord, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if rec, ok := s.inflight[id]; ok {
		clone := *rec
		return &clone, true
	}
	if rec, ok := s.history[id]; ok {
		clone := *rec
		return &clone, true
	}
	return nil, false
}

func (s *TxStore) GetByHash(hash common.Hash) (*TxRecord, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, false
	}
	if rec, ok := s.inflight[id]; ok {
		clone := *rec
		return &clone, true
	}
	if rec, ok := s.history[id]; ok {
		clone := *rec
		return &clone, true
	}
	return nil, false
}

// Finalize applies a terminal mutation to an in-flight record and moves it
// to history in one critical section. The mutation must leave the record in
// a terminal status; the record is immutable afterwards.
func (s *TxStore) Finalize(id string, now time.Time, mutate func(*TxRecord)) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	rec, ok := s.inflight[id]
	if !ok {
		return fmt.Errorf("no such in-flight transaction: %s", id)
	}
	mutate(rec)
	if !rec.Status.Terminal() {
		return fmt.Errorf("transaction %s not terminal: %s", id, rec.Status)
	}
	delete(s.inflight, id)
	s.history[id] = rec
	s.retention[id] = now
	return nil
}

func (s *TxStore) InflightCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.inflight)
}

func (s *TxStore) Inflight() []*TxRecord {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]*TxRecord, 0, len(s.inflight))
	for _, rec := range s.inflight {
		clone := *rec
		out = append(out, &clone)
	}
	return out
}

func (s *TxStore) HistoryCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.history)
}

// ReapExpired drops history entries older than the retention window and
// returns how many were removed. Pending records are never reaped.
func (s *TxStore) ReapExpired(now time.Time, retention time.Duration) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	reaped := 0
	for id, terminalAt := range s.retention {
		if now.Sub(terminalAt) < retention {
			continue
		}
		if rec, ok := s.history[id]; ok && rec.Hash != (common.Hash{}) {
			delete(s.byHash, rec.Hash)
		}
		delete(s.history, id)
		delete(s.retention, id)
		reaped++
	}
	return reaped
}
