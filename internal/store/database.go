package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pizzapal-backend/internal/db"
	"pizzapal-backend/internal/order"
)

// DatabaseStore archives completed orders in PostgreSQL.
type DatabaseStore struct {
	db      *db.DB
	variant string
}

// NewDatabaseStore creates a new database store
func NewDatabaseStore(database *db.DB, variant string) *DatabaseStore {
	return &DatabaseStore{db: database, variant: variant}
}

// SaveOrder inserts a completed order. Saving the same order twice is a no-op.
func (ds *DatabaseStore) SaveOrder(ctx context.Context, sessionID string, rec *order.Record) error {
	if sessionID == "" || rec == nil || rec.ID == "" {
		return fmt.Errorf("session_id and order id are required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}

	query := `
		INSERT INTO orders (id, session_id, variant, delivery_address, payment_method, total_price, warning_count, payload, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO NOTHING
	`

	_, err = ds.db.ExecContext(ctx, query,
		rec.ID,
		sessionID,
		ds.variant,
		rec.DeliveryAddress,
		string(rec.PaymentMethod),
		rec.TotalPrice.StringFixed(2),
		len(rec.Warnings),
		string(payload),
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder retrieves an archived order by id. A missing order is (nil, nil).
func (ds *DatabaseStore) GetOrder(ctx context.Context, orderID string) (*ArchivedOrder, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order id is required")
	}

	var (
		a         ArchivedOrder
		payload   string
		createdAt time.Time
	)
	query := `
		SELECT session_id, variant, payload, created_at
		FROM orders
		WHERE id = $1
	`
	err := ds.db.QueryRowContext(ctx, query, orderID).Scan(&a.SessionID, &a.Variant, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &a.Order); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", orderID, err)
	}
	a.ArchivedAt = createdAt
	return &a, nil
}
