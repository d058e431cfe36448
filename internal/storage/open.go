package storage

import (
	"context"
	"errors"
	"strings"

	"msgfleet/pkg/logx"
)

// Store is the delivery log API used by the dispatcher and the app surface.
type Store interface {
	AppendDelivery(ctx context.Context, d Delivery) error
	// Deliveries returns the most recent records, newest last, at most limit
	// (0 means all).
	Deliveries(ctx context.Context, limit int) ([]Delivery, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
