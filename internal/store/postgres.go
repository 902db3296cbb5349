package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/ssgreg/repeat"

	"github.com/atmx/reward-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// serializationFailure is the SQLSTATE PostgreSQL reports when a
// serializable transaction loses a conflict.
const serializationFailure = "40001"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Shares are stored as NUMERIC; reward vectors as JSONB arrays of
// {"denom","amount"} with amounts encoded as decimal strings.
type PostgresStore struct {
	pgReader
	pool       *pgxpool.Pool
	maxRetries int
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pgReader:   pgReader{q: pool},
		pool:       pool,
		maxRetries: 5,
	}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// WithTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures with jittered backoff. fn may therefore run more than once and
// must not have side effects outside tx that cannot be repeated.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	err := repeat.Repeat(
		repeat.Fn(func() error {
			lastErr = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(ptx pgx.Tx) error {
				return fn(&pgTx{pgReader: pgReader{q: ptx}})
			})
			if isSerializationFailure(lastErr) {
				return repeat.HintTemporary(lastErr)
			}
			return lastErr
		}),
		repeat.StopOnSuccess(),
		repeat.LimitMaxTries(s.maxRetries),
		repeat.FnOnError(func(err error) error {
			if isSerializationFailure(err) {
				slog.Debug("retrying serializable transaction", "error", err)
			}
			return err
		}),
		repeat.WithDelay(
			repeat.SetContextHintStop(),
			(&repeat.FullJitterBackoffBuilder{
				BaseDelay: 5 * time.Millisecond,
				MaxDelay:  200 * time.Millisecond,
			}).Set(),
		),
	)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailure
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgReader implements Reader over either the pool or an open transaction.
type pgReader struct {
	q querier
}

func (r pgReader) GetConfig(ctx context.Context) (*model.Config, error) {
	var c model.Config
	err := r.q.QueryRow(ctx,
		`SELECT manager, pending_manager, operator, next_strategy_id
		 FROM reward_config WHERE id = 1`).
		Scan(&c.Manager, &c.PendingManager, &c.Operator, &c.NextStrategyID)
	if err != nil {
		return nil, fmt.Errorf("get config: %w", notFound(err))
	}
	return &c, nil
}

const strategyColumns = `id, name, active, total_shares::TEXT, global_pointer::TEXT, total_accrued::TEXT, created_at`

func (r pgReader) GetStrategy(ctx context.Context, id uint64) (*model.Strategy, error) {
	row := r.q.QueryRow(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id = $1`, id)
	st, err := scanStrategy(row)
	if err != nil {
		return nil, fmt.Errorf("get strategy %d: %w", id, notFound(err))
	}
	return st, nil
}

func (r pgReader) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	rows, err := r.q.Query(ctx, `SELECT `+strategyColumns+` FROM strategies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

const positionColumns = `participant, strategy_id, shares::TEXT, reward_snapshot::TEXT, pending_rewards::TEXT, updated_at`

func (r pgReader) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE participant = $1 AND strategy_id = $2`,
		key.Participant, key.StrategyID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("get position %s/%d: %w", key.Participant, key.StrategyID, notFound(err))
	}
	return p, nil
}

func (r pgReader) ListParticipantPositions(ctx context.Context, participant string) ([]model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE participant = $1 ORDER BY strategy_id`,
		participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r pgReader) ListPayouts(ctx context.Context, participant string) ([]model.Payout, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id::TEXT, participant, strategy_id, amount::TEXT, created_at
		 FROM payouts WHERE participant = $1 ORDER BY created_at, id`, participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Payout
	for rows.Next() {
		var p model.Payout
		var amount string
		if err := rows.Scan(&p.ID, &p.Participant, &p.StrategyID, &amount, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(amount), &p.Amount); err != nil {
			return nil, fmt.Errorf("payout %s amount: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// pgTx adds the write side on top of an open pgx.Tx.
type pgTx struct {
	pgReader
}

func (t *pgTx) SaveConfig(ctx context.Context, c *model.Config) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO reward_config (id, manager, pending_manager, operator, next_strategy_id)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET manager = EXCLUDED.manager, pending_manager = EXCLUDED.pending_manager,
		     operator = EXCLUDED.operator, next_strategy_id = EXCLUDED.next_strategy_id`,
		c.Manager, c.PendingManager, c.Operator, c.NextStrategyID)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (t *pgTx) CreateStrategy(ctx context.Context, st *model.Strategy) error {
	pointer, accrued, err := encodeStrategyVectors(st)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx,
		`INSERT INTO strategies (id, name, active, total_shares, global_pointer, total_accrued, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::JSONB, $6::JSONB, $7)
		 ON CONFLICT (id) DO NOTHING`,
		st.ID, st.Name, st.Active, st.TotalShares.String(), pointer, accrued, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("create strategy %d: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create strategy %d: %w", st.ID, ErrConflict)
	}
	return nil
}

func (t *pgTx) SaveStrategy(ctx context.Context, st *model.Strategy) error {
	pointer, accrued, err := encodeStrategyVectors(st)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE strategies
		 SET name = $2, active = $3, total_shares = $4::NUMERIC,
		     global_pointer = $5::JSONB, total_accrued = $6::JSONB
		 WHERE id = $1`,
		st.ID, st.Name, st.Active, st.TotalShares.String(), pointer, accrued)
	if err != nil {
		return fmt.Errorf("save strategy %d: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save strategy %d: %w", st.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	snapshot, err := json.Marshal(p.RewardSnapshot)
	if err != nil {
		return err
	}
	pending, err := json.Marshal(p.PendingRewards)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO positions (participant, strategy_id, shares, reward_snapshot, pending_rewards, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::JSONB, $5::JSONB, $6)
		 ON CONFLICT (participant, strategy_id) DO UPDATE
		 SET shares = EXCLUDED.shares, reward_snapshot = EXCLUDED.reward_snapshot,
		     pending_rewards = EXCLUDED.pending_rewards, updated_at = EXCLUDED.updated_at`,
		p.Participant, p.StrategyID, p.Shares.String(), string(snapshot), string(pending), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save position %s/%d: %w", p.Participant, p.StrategyID, err)
	}
	return nil
}

func (t *pgTx) InsertPayout(ctx context.Context, p *model.Payout) error {
	amount, err := json.Marshal(p.Amount)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO payouts (id, participant, strategy_id, amount, created_at)
		 VALUES ($1::UUID, $2, $3, $4::JSONB, $5)`,
		p.ID, p.Participant, p.StrategyID, string(amount), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payout %s: %w", p.ID, err)
	}
	return nil
}

// scanStrategy reads one strategyColumns row.
func scanStrategy(row pgx.Row) (*model.Strategy, error) {
	var st model.Strategy
	var shares, pointer, accrued string
	if err := row.Scan(&st.ID, &st.Name, &st.Active, &shares, &pointer, &accrued, &st.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if st.TotalShares, err = decimal.NewFromString(shares); err != nil {
		return nil, fmt.Errorf("strategy %d total_shares: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(pointer), &st.GlobalPointer); err != nil {
		return nil, fmt.Errorf("strategy %d global_pointer: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(accrued), &st.TotalAccrued); err != nil {
		return nil, fmt.Errorf("strategy %d total_accrued: %w", st.ID, err)
	}
	return &st, nil
}

// scanPosition reads one positionColumns row.
func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var shares, snapshot, pending string
	if err := row.Scan(&p.Participant, &p.StrategyID, &shares, &snapshot, &pending, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Shares, err = decimal.NewFromString(shares); err != nil {
		return nil, fmt.Errorf("position %s/%d shares: %w", p.Participant, p.StrategyID, err)
	}
	if err := json.Unmarshal([]byte(snapshot), &p.RewardSnapshot); err != nil {
		return nil, fmt.Errorf("position %s/%d reward_snapshot: %w", p.Participant, p.StrategyID, err)
	}
	if err := json.Unmarshal([]byte(pending), &p.PendingRewards); err != nil {
		return nil, fmt.Errorf("position %s/%d pending_rewards: %w", p.Participant, p.StrategyID, err)
	}
	return &p, nil
}

func encodeStrategyVectors(st *model.Strategy) (pointer, accrued string, err error) {
	pb, err := json.Marshal(st.GlobalPointer)
	if err != nil {
		return "", "", err
	}
	ab, err := json.Marshal(st.TotalAccrued)
	if err != nil {
		return "", "", err
	}
	return string(pb), string(ab), nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
