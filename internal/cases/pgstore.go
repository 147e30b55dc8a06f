package cases

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SidU/durable-support-agent/model"
)

//go:embed schema.sql
var schemaSQL string

const caseColumns = `id, conversation_id, user_id, user_name, order_id, customer_email,
	issue_description, action, refund_amount, status, workflow_instance_id,
	resolution, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL case store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the support_cases table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply case schema: %w", err)
		}
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new case.
func (s *PgStore) Create(ctx context.Context, c model.Case) error {
	if c.Version == 0 {
		c.Version = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO support_cases (`+caseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.ConversationID, c.UserID, c.UserName, c.OrderID, c.CustomerEmail,
		c.IssueDescription, c.Action, c.RefundAmount, c.Status, c.WorkflowInstanceID,
		c.Resolution, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
	}
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

// Get retrieves a case by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Case, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `
		SELECT `+caseColumns+`
		FROM support_cases
		WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Case{}, model.NewCaseNotFoundError(id)
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("query case: %w", err)
	}
	return c, nil
}

// Update locks the row, validates the transition and applies patch.
func (s *PgStore) Update(ctx context.Context, id string, patch model.CasePatch) (model.Case, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Case{}, fmt.Errorf("begin case update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanCase(tx.QueryRow(ctx, `
		SELECT `+caseColumns+`
		FROM support_cases
		WHERE id = $1
		FOR UPDATE`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Case{}, model.NewCaseNotFoundError(id)
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("lock case: %w", err)
	}
	if err := checkTransition(current, patch); err != nil {
		return model.Case{}, err
	}

	updated, err := scanCase(tx.QueryRow(ctx, `
		UPDATE support_cases SET
			status = COALESCE($2, status),
			resolution = COALESCE($3, resolution),
			updated_at = $4,
			version = version + 1
		WHERE id = $1
		RETURNING `+caseColumns,
		id, patch.Status, patch.Resolution, time.Now().UTC(),
	))
	if err != nil {
		return model.Case{}, fmt.Errorf("update case: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Case{}, fmt.Errorf("commit case update: %w", err)
	}
	return updated, nil
}

// QueryByStatus returns cases in status, newest first.
func (s *PgStore) QueryByStatus(ctx context.Context, status string) ([]model.Case, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+caseColumns+`
		FROM support_cases
		WHERE status = $1
		ORDER BY created_at DESC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("query cases by status: %w", err)
	}
	defer rows.Close()

	var result []model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanCase(row pgx.Row) (model.Case, error) {
	var c model.Case
	err := row.Scan(
		&c.ID, &c.ConversationID, &c.UserID, &c.UserName, &c.OrderID, &c.CustomerEmail,
		&c.IssueDescription, &c.Action, &c.RefundAmount, &c.Status, &c.WorkflowInstanceID,
		&c.Resolution, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}
