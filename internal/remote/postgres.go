package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore keeps published manifests in the published_manifests table.
// Claim relies on the (profile_id, date) primary key.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Lookup implements Lookup.
func (s *PostgresStore) Lookup(ctx context.Context, profileID, date string) (*Published, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT manifest FROM published_manifests WHERE profile_id = $1 AND date = $2`,
		profileID, date,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key(profileID, date))
	}
	if err != nil {
		return nil, fmt.Errorf("query published manifest: %w", err)
	}
	return NewPublished(body), nil
}

// Claim implements Claimer.
func (s *PostgresStore) Claim(ctx context.Context, profileID, date string, body []byte) (*Published, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO published_manifests (profile_id, date, manifest_sha256, manifest)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (profile_id, date) DO NOTHING`,
		profileID, date, NewPublished(body).Hash, body,
	)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key(profileID, date), err)
	}
	if tag.RowsAffected() == 1 {
		s.logger.Debug("manifest claimed",
			zap.String("profile_id", profileID),
			zap.String("date", date),
		)
		return nil, nil
	}
	return s.Lookup(ctx, profileID, date)
}
