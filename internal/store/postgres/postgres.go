package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/store"
	"kasirinaja/till/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_bindings (
		device_id   TEXT PRIMARY KEY,
		outlet_id   TEXT NOT NULL,
		register_id TEXT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_receipts (
		device_id          TEXT PRIMARY KEY,
		transaction_id     TEXT NOT NULL,
		transaction_number TEXT NOT NULL,
		payload            JSONB NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id          TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL,
		staff_id    TEXT NOT NULL,
		staff_name  TEXT NOT NULL,
		action      TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		detail      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_device_created_idx ON audit_logs (device_id, created_at DESC)`,
}

// Migrate creates the agent's tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetBinding(ctx context.Context, deviceID string) (*domain.Binding, error) {
	var b domain.Binding
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, outlet_id, register_id, updated_at
		FROM device_bindings
		WHERE device_id = $1
	`, deviceID).Scan(&b.DeviceID, &b.OutletID, &b.RegisterID, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func (s *Store) SaveBinding(ctx context.Context, binding domain.Binding) error {
	if strings.TrimSpace(binding.DeviceID) == "" || strings.TrimSpace(binding.OutletID) == "" || strings.TrimSpace(binding.RegisterID) == "" {
		return store.ErrInvalid
	}
	if binding.UpdatedAt.IsZero() {
		binding.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_bindings (device_id, outlet_id, register_id, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (device_id)
		DO UPDATE SET outlet_id = EXCLUDED.outlet_id, register_id = EXCLUDED.register_id, updated_at = EXCLUDED.updated_at
	`, binding.DeviceID, binding.OutletID, binding.RegisterID, binding.UpdatedAt)
	return err
}

func (s *Store) DeleteBinding(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_bindings WHERE device_id = $1`, deviceID)
	return err
}

func (s *Store) SaveReceipt(ctx context.Context, receipt domain.Receipt) error {
	if strings.TrimSpace(receipt.DeviceID) == "" || strings.TrimSpace(receipt.TransactionID) == "" {
		return store.ErrInvalid
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(receipt)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_receipts (device_id, transaction_id, transaction_number, payload, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (device_id)
		DO UPDATE SET transaction_id = EXCLUDED.transaction_id,
			transaction_number = EXCLUDED.transaction_number,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at
	`, receipt.DeviceID, receipt.TransactionID, receipt.TransactionNumber, payload, receipt.CreatedAt)
	return err
}

func (s *Store) LatestReceipt(ctx context.Context, deviceID string) (*domain.Receipt, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM device_receipts WHERE device_id = $1
	`, deviceID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var receipt domain.Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, device_id, staff_id, staff_name, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.DeviceID, entry.StaffID, entry.StaffName, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrInvalid
	}
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, deviceID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, staff_id, staff_name, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR device_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, deviceID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.StaffID, &entry.StaffName, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
