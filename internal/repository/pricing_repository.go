package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/digkill/ImageForge/internal/database"
)

type PricingRepository struct {
	db *database.DB
}

func NewPricingRepository(db *database.DB) *PricingRepository {
	return &PricingRepository{db: db}
}

// Active returns the highest published version and its prices. Version 0
// with a nil map means nothing has been published yet.
func (r *PricingRepository) Active(ctx context.Context, q database.Querier) (int64, map[string]int64, error) {
	const query = `
SELECT version, config_key, value FROM pricing_config
WHERE version = (SELECT MAX(version) FROM pricing_config)`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return 0, nil, fmt.Errorf("load pricing: %w", err)
	}
	defer rows.Close()

	var (
		version int64
		prices  map[string]int64
	)
	for rows.Next() {
		var (
			key   string
			value int64
		)
		if err := rows.Scan(&version, &key, &value); err != nil {
			return 0, nil, fmt.Errorf("scan pricing row: %w", err)
		}
		if prices == nil {
			prices = make(map[string]int64)
		}
		prices[key] = value
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return version, prices, nil
}

// Publish writes prices as the next version and returns its number.
func (r *PricingRepository) Publish(ctx context.Context, q database.Querier, prices map[string]int64, now time.Time) (int64, error) {
	var current int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM pricing_config`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read pricing version: %w", err)
	}
	version := current + 1

	const insert = `INSERT INTO pricing_config (version, config_key, value, created_at) VALUES (?, ?, ?, ?)`
	for key, value := range prices {
		if _, err := q.ExecContext(ctx, insert, version, key, value, now); err != nil {
			return 0, fmt.Errorf("insert pricing %s: %w", key, err)
		}
	}
	return version, nil
}
