package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent Append calls across publishers.
// The value is arbitrary but must be the same for every instance.
const advisoryLockKey = int64(2_026_011_701)

const checkpointColumns = `version, date, profile_id, total_records, merkle_root,
	records_fingerprint, manifest_sha256, previous_checkpoint_hash, checkpoint_hash`

// PostgresChain persists one profile's checkpoint chain to PostgreSQL.
// It implements the Chain interface. See migrations/001_init.up.sql.
type PostgresChain struct {
	pool      *pgxpool.Pool
	profileID string
	logger    *zap.Logger
}

// NewPostgresChain creates a PostgresChain for profileID backed by pool.
func NewPostgresChain(pool *pgxpool.Pool, profileID string, logger *zap.Logger) *PostgresChain {
	return &PostgresChain{pool: pool, profileID: profileID, logger: logger}
}

func scanCheckpoint(row pgx.Row) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := row.Scan(
		&c.Version, &c.Date, &c.ProfileID, &c.TotalRecords, &c.MerkleRoot,
		&c.RecordsFingerprint, &c.ManifestSHA256, &c.PreviousCheckpointHash, &c.CheckpointHash,
	)
	return c, err
}

// Append implements Chain.
// It takes a transaction-scoped advisory lock, reads the tip, checks the
// link and inserts, all in one transaction.
func (c *PostgresChain) Append(ctx context.Context, cp *Checkpoint) error {
	if cp.ProfileID != c.profileID {
		return fmt.Errorf("%w: %q, chain is %q", ErrProfileMixing, cp.ProfileID, c.profileID)
	}
	if err := cp.VerifyHash(); err != nil {
		return err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	existing, err := scanCheckpoint(tx.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE profile_id = $1 AND date = $2`,
		c.profileID, cp.Date,
	))
	switch {
	case err == nil:
		if existing.CheckpointHash == cp.CheckpointHash {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDateConflict, cp.Date)
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("read checkpoint %s: %w", cp.Date, err)
	}

	var tip *Checkpoint
	tip, err = scanCheckpoint(tx.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE profile_id = $1 ORDER BY seq DESC LIMIT 1`,
		c.profileID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		tip = nil
	} else if err != nil {
		return fmt.Errorf("read chain tip: %w", err)
	}
	if err := cp.Follows(tip); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (seq, `+checkpointColumns+`)
		 VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE profile_id = $3),
		         $1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cp.Version, cp.Date, cp.ProfileID, cp.TotalRecords, cp.MerkleRoot,
		cp.RecordsFingerprint, cp.ManifestSHA256, cp.PreviousCheckpointHash, cp.CheckpointHash,
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}

	c.logger.Debug("checkpoint appended",
		zap.String("profile_id", cp.ProfileID),
		zap.String("date", cp.Date),
		zap.String("checkpoint_hash", cp.CheckpointHash),
	)
	return nil
}

// Get implements Chain.
func (c *PostgresChain) Get(ctx context.Context, date string) (*Checkpoint, error) {
	cp, err := scanCheckpoint(c.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE profile_id = $1 AND date = $2`,
		c.profileID, date,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, date)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", date, err)
	}
	return cp, nil
}

// Latest implements Chain.
func (c *PostgresChain) Latest(ctx context.Context) (*Checkpoint, error) {
	cp, err := scanCheckpoint(c.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE profile_id = $1 ORDER BY seq DESC LIMIT 1`,
		c.profileID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chain tip: %w", err)
	}
	return cp, nil
}

// List implements Chain.
func (c *PostgresChain) List(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE profile_id = $1 ORDER BY seq ASC`,
		c.profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Len implements Chain.
func (c *PostgresChain) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM checkpoints WHERE profile_id = $1", c.profileID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}
	return n, nil
}

// Verify implements Chain. O(n) in chain length.
func (c *PostgresChain) Verify(ctx context.Context) error {
	cps, err := c.List(ctx)
	if err != nil {
		return err
	}
	return VerifyChain(cps)
}
