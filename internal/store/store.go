package store

import (
	"context"
	"errors"
	"time"

	"kasirinaja/till/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid record")
)

// Repository is the agent's local persistence: which register each device is
// bound to, the last receipt per device, and the audit journal.
type Repository interface {
	GetBinding(ctx context.Context, deviceID string) (*domain.Binding, error)
	SaveBinding(ctx context.Context, binding domain.Binding) error
	DeleteBinding(ctx context.Context, deviceID string) error
	SaveReceipt(ctx context.Context, receipt domain.Receipt) error
	LatestReceipt(ctx context.Context, deviceID string) (*domain.Receipt, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, deviceID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
