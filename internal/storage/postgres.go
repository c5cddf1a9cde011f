package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

//go:embed postgres_schema.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg migrate: %w", err)
	}
	log.Info("postgres store opened", logx.String("host", poolCfg.ConnConfig.Host), logx.String("database", poolCfg.ConnConfig.Database))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, t *trigger.Trigger) error {
	q := insertQuery(postgresDialect, t)
	if _, err := s.pool.Exec(ctx, q.String(), q.args...); err != nil {
		if isDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (*trigger.Trigger, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+triggerColumns+" FROM triggers WHERE id = $1", id)
	t, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *postgresStore) Update(ctx context.Context, t *trigger.Trigger) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	q := updateQuery(postgresDialect, t, now)
	tag, err := s.pool.Exec(ctx, q.String(), q.args...)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, t.ID)
	}
	t.Version++
	t.ModifiedAt = now
	return nil
}

func (s *postgresStore) Claim(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	q := claimQuery(postgresDialect, id, version, now)
	tag, err := s.pool.Exec(ctx, q.String(), q.args...)
	if err != nil {
		return false, fmt.Errorf("claim trigger: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) Select(ctx context.Context, c trigger.Criteria) ([]*trigger.Trigger, error) {
	q := selectQuery(postgresDialect, c)
	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("select triggers: %w", err)
	}
	defer rows.Close()

	out := make([]*trigger.Trigger, 0)
	for rows.Next() {
		t, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *postgresStore) BulkTransition(ctx context.Context, c trigger.Criteria, to trigger.Status, now time.Time) (int64, error) {
	return s.exec(ctx, bulkTransitionQuery(postgresDialect, c, to, now))
}

func (s *postgresStore) DeleteCreatedBefore(ctx context.Context, typ string, cutoff time.Time) (int64, error) {
	return s.exec(ctx, deleteCreatedBeforeQuery(postgresDialect, typ, cutoff))
}

func (s *postgresStore) Delete(ctx context.Context, id string, version int64) error {
	n, err := s.exec(ctx, deleteQuery(postgresDialect, id, version))
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

func (s *postgresStore) exec(ctx context.Context, q *query) (int64, error) {
	tag, err := s.pool.Exec(ctx, q.String(), q.args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM triggers WHERE id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanPostgres(r pgx.Row) (*trigger.Trigger, error) {
	var (
		t                 trigger.Trigger
		kind, status      string
		payload, response []byte
	)
	err := r.Scan(&t.ID, &t.Type, &kind, &t.Active, &t.Version, &status, &t.CreatedAt, &t.ModifiedAt,
		&payload, &t.NextRunAt, &t.LastRunAt, &t.UserID, &response)
	if err != nil {
		return nil, err
	}
	t.Kind = trigger.Kind(kind)
	t.Status = trigger.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.ModifiedAt = t.ModifiedAt.UTC()
	t.Payload = rawOrNil(payload)
	t.Response = rawOrNil(response)
	return &t, nil
}

// isDuplicateError checks for PostgreSQL unique-violation (23505).
func isDuplicateError(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
