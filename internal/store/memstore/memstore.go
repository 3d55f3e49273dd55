// Package memstore is an in-process store.Store used by tests and by the
// channel transport profile.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drblury/ledgerflow/internal/runtime/ids"
	"github.com/drblury/ledgerflow/internal/store"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu            sync.RWMutex
	wallets       map[string]store.Wallet
	contracts     map[string]store.Contract
	issuances     map[string]store.Issuance
	issuanceOrder []string
	transfers     map[string]store.Transfer
	transferOrder []string
	notifications []store.Notification
	now           func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		wallets:   map[string]store.Wallet{},
		contracts: map[string]store.Contract{},
		issuances: map[string]store.Issuance{},
		transfers: map[string]store.Transfer{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetWallet(_ context.Context, customerID string) (*store.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (s *Store) CreateWallet(_ context.Context, w *store.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.CustomerID]; ok {
		return store.ErrAlreadyExists
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	s.wallets[w.CustomerID] = *w
	return nil
}

func (s *Store) GetContract(_ context.Context, estateID string) (*store.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[estateID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

// PutContract registers or replaces the contract of an estate.
func (s *Store) PutContract(_ context.Context, c *store.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.contracts[c.EstateID] = *c
	return nil
}

func (s *Store) FindActiveIssuance(_ context.Context, key store.IssuanceKey) (*store.Issuance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.issuanceOrder) - 1; i >= 0; i-- {
		rec := s.issuances[s.issuanceOrder[i]]
		if rec.Status == store.IssuanceFailed {
			continue
		}
		k := rec.Key()
		if k.CustomerID == key.CustomerID && k.EstateID == key.EstateID && k.Amount == key.Amount && k.Date.Equal(key.Date) {
			return &rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateIssuance(_ context.Context, rec *store.Issuance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if _, ok := s.issuances[rec.ID]; ok {
		return store.ErrAlreadyExists
	}
	if rec.Status == "" {
		rec.Status = store.IssuancePending
	}
	now := s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	s.issuances[rec.ID] = *rec
	s.issuanceOrder = append(s.issuanceOrder, rec.ID)
	return nil
}

func (s *Store) CompleteIssuance(_ context.Context, id string, status store.IssuanceStatus, txHash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.issuances[id]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != store.IssuancePending || !status.Terminal() {
		return store.ErrInvalidTransition
	}
	rec.Status, rec.TxHash, rec.FailureReason, rec.UpdatedAt = status, txHash, reason, s.now()
	s.issuances[id] = rec
	return nil
}

func (s *Store) GetIssuance(_ context.Context, id string) (*store.Issuance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.issuances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

// Issuances returns every issuance in creation order.
func (s *Store) Issuances() []store.Issuance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Issuance, 0, len(s.issuanceOrder))
	for _, id := range s.issuanceOrder {
		out = append(out, s.issuances[id])
	}
	return out
}

func (s *Store) FindActiveTransfer(_ context.Context, tradeID string) (*store.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.transferOrder) - 1; i >= 0; i-- {
		rec := s.transfers[s.transferOrder[i]]
		if rec.TradeID == tradeID && rec.Status != store.TransferFailed {
			return &rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateTransfer(_ context.Context, rec *store.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if _, ok := s.transfers[rec.ID]; ok {
		return store.ErrAlreadyExists
	}
	if rec.Status == "" {
		rec.Status = store.TransferPending
	}
	now := s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	s.transfers[rec.ID] = *rec
	s.transferOrder = append(s.transferOrder, rec.ID)
	return nil
}

func (s *Store) CompleteTransfer(_ context.Context, id string, status store.TransferStatus, txHash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.transfers[id]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != store.TransferPending || !status.Terminal() {
		return store.ErrInvalidTransition
	}
	rec.Status, rec.TxHash, rec.FailureReason, rec.UpdatedAt = status, txHash, reason, s.now()
	s.transfers[id] = rec
	return nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (*store.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.transfers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

// Transfers returns every transfer in creation order.
func (s *Store) Transfers() []store.Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Transfer, 0, len(s.transferOrder))
	for _, id := range s.transferOrder {
		out = append(out, s.transfers[id])
	}
	return out
}

func (s *Store) SaveNotification(_ context.Context, n *store.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = ids.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications = append(s.notifications, *n)
	return nil
}

// ListNotifications returns the notifications of a subject, newest first. An
// empty subjectID lists everything.
func (s *Store) ListNotifications(_ context.Context, subjectID string) ([]store.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		if subjectID == "" || n.SubjectID == subjectID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
