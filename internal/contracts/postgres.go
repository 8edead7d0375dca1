package contracts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS contracts (
	id            BIGSERIAL PRIMARY KEY,
	contract_id   TEXT NOT NULL UNIQUE,
	customer_id   TEXT NOT NULL,
	product_id    TEXT NOT NULL,
	policy_number TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
)`

// dbtx is the subset of *pgxpool.Pool the store needs.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists contracts in the contracts table.
type PostgresStore struct {
	db dbtx
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// OpenPool parses databaseURL, connects and pings.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("contracts: database url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("contracts: parse database url: %w", err)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("contracts: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("contracts: ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the contracts table when it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("contracts: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, c Contract) (Contract, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO contracts (contract_id, customer_id, product_id, policy_number, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, c.ContractID, c.CustomerID, c.ProductID, c.PolicyNumber, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return Contract{}, ErrDuplicateContract
		}
		return Contract{}, fmt.Errorf("contracts: save %s: %w", c.ContractID, err)
	}
	return c, nil
}

func (s *PostgresStore) Get(ctx context.Context, contractID string) (Contract, error) {
	var c Contract
	err := s.db.QueryRow(ctx, `
		SELECT id, contract_id, customer_id, product_id, policy_number, created_at
		FROM contracts
		WHERE contract_id = $1
	`, contractID).Scan(&c.ID, &c.ContractID, &c.CustomerID, &c.ProductID, &c.PolicyNumber, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrContractNotFound
		}
		return Contract{}, fmt.Errorf("contracts: get %s: %w", contractID, err)
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
