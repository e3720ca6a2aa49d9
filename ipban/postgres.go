package ipban

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const banTable = "ip_bans"

const banSchema = `
CREATE TABLE IF NOT EXISTS ip_bans (
	ip_address TEXT PRIMARY KEY,
	reason     TEXT NOT NULL DEFAULT '',
	banned_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ip_bans_expires_at_idx ON ip_bans (expires_at);
`

// PgStore is the Postgres-backed durable Store.
type PgStore struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
}

func NewPgStore(db *sqlx.DB) *PgStore {
	return &PgStore{
		db:      db,
		dialect: goqu.Dialect("postgres"),
	}
}

// OpenPgStore connects to Postgres and creates the ban table if missing.
func OpenPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := NewPgStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, banSchema); err != nil {
		return fmt.Errorf("create ban schema: %w", err)
	}
	return nil
}

func (s *PgStore) Close() error {
	return s.db.Close()
}

func (s *PgStore) Upsert(ctx context.Context, rec Record) error {
	query, args, err := s.dialect.Insert(banTable).
		Rows(goqu.Record{
			"ip_address": rec.IPAddress,
			"reason":     rec.Reason,
			"banned_at":  rec.BannedAt,
			"expires_at": rec.ExpiresAt,
		}).
		OnConflict(goqu.DoUpdate("ip_address", goqu.Record{
			"reason":     rec.Reason,
			"banned_at":  rec.BannedAt,
			"expires_at": rec.ExpiresAt,
		})).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert ban: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, ip string) (*Record, error) {
	query, args, err := s.dialect.From(banTable).
		Where(goqu.C("ip_address").Eq(ip)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var rec Record
	if err := s.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ban: %w", err)
	}
	return &rec, nil
}

func (s *PgStore) Delete(ctx context.Context, ip string) error {
	query, args, err := s.dialect.Delete(banTable).
		Where(goqu.C("ip_address").Eq(ip)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	return nil
}

func (s *PgStore) All(ctx context.Context) ([]Record, error) {
	query, args, err := s.dialect.From(banTable).
		Order(goqu.C("banned_at").Desc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	records := make([]Record, 0)
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	return records, nil
}

func (s *PgStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	query, args, err := s.dialect.Delete(banTable).
		Where(goqu.C("expires_at").Lt(cutoff)).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build compaction: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired bans: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}
