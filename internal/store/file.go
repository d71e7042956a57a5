package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"pizzapal-backend/internal/order"
)

// ArchivedOrder is one completed order as written to the archive.
type ArchivedOrder struct {
	SessionID  string        `json:"sessionId"`
	Variant    string        `json:"variant,omitempty"`
	Order      *order.Record `json:"order"`
	ArchivedAt time.Time     `json:"archivedAt"`
}

// FileOrderStore writes each completed order to its own JSON file.
type FileOrderStore struct {
	dir     string
	variant string
}

func NewFileOrderStore(dir, variant string) *FileOrderStore {
	return &FileOrderStore{dir: dir, variant: variant}
}

func (f *FileOrderStore) SaveOrder(ctx context.Context, sessionID string, rec *order.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid order")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(ArchivedOrder{
		SessionID:  sessionID,
		Variant:    f.variant,
		Order:      rec,
		ArchivedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	path := f.path(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GetOrder reads an archived order back. A missing order is (nil, nil).
func (f *FileOrderStore) GetOrder(ctx context.Context, orderID string) (*ArchivedOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path(orderID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var a ArchivedOrder
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (f *FileOrderStore) path(orderID string) string {
	return filepath.Join(f.dir, filepath.Base(orderID)+".json")
}
