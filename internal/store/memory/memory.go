package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/store"
	"kasirinaja/till/internal/xid"
)

type Store struct {
	mu             sync.RWMutex
	bindings       map[string]domain.Binding
	latestReceipts map[string]domain.Receipt
	auditLogs      []domain.AuditLog
}

func New() *Store {
	return &Store{
		bindings:       make(map[string]domain.Binding),
		latestReceipts: make(map[string]domain.Receipt),
		auditLogs:      make([]domain.AuditLog, 0, 128),
	}
}

func (s *Store) GetBinding(_ context.Context, deviceID string) (*domain.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	binding, ok := s.bindings[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &binding, nil
}

func (s *Store) SaveBinding(_ context.Context, binding domain.Binding) error {
	if strings.TrimSpace(binding.DeviceID) == "" || strings.TrimSpace(binding.OutletID) == "" || strings.TrimSpace(binding.RegisterID) == "" {
		return store.ErrInvalid
	}
	if binding.UpdatedAt.IsZero() {
		binding.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[binding.DeviceID] = binding
	return nil
}

func (s *Store) DeleteBinding(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, deviceID)
	return nil
}

func (s *Store) SaveReceipt(_ context.Context, receipt domain.Receipt) error {
	if strings.TrimSpace(receipt.DeviceID) == "" || strings.TrimSpace(receipt.TransactionID) == "" {
		return store.ErrInvalid
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	receipt.Items = slices.Clone(receipt.Items)
	s.latestReceipts[receipt.DeviceID] = receipt
	return nil
}

func (s *Store) LatestReceipt(_ context.Context, deviceID string) (*domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.latestReceipts[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	receipt.Items = slices.Clone(receipt.Items)
	return &receipt, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, deviceID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if deviceID != "" && entry.DeviceID != deviceID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
