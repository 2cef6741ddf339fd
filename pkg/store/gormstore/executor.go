package gormstore

import (
	"context"
	"fmt"
	"time"
)

// BatchUpdate executes query once per row through gorm, inside the transaction bound to
// ctx when there is one. Placeholders use gorm syntax ("?").
func (m *Manager) BatchUpdate(ctx context.Context, query string, rows [][]any) ([]int64, error) {
	counts := make([]int64, 0, len(rows))
	db := m.DB(ctx)
	for i, args := range rows {
		res := db.Exec(query, args...)
		if res.Error != nil {
			return counts, fmt.Errorf("batch row %d: %w", i, res.Error)
		}
		counts = append(counts, res.RowsAffected)
	}
	return counts, nil
}

// NamedBatchUpdate is BatchUpdate with gorm named parameters ("@name").
func (m *Manager) NamedBatchUpdate(ctx context.Context, query string, rows []map[string]any) ([]int64, error) {
	counts := make([]int64, 0, len(rows))
	db := m.DB(ctx)
	for i, args := range rows {
		res := db.Exec(query, args)
		if res.Error != nil {
			return counts, fmt.Errorf("batch row %d: %w", i, res.Error)
		}
		counts = append(counts, res.RowsAffected)
	}
	return counts, nil
}

// HealthCheck pings the underlying pool.
func (m *Manager) HealthCheck(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		m.logger.Error("database health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
