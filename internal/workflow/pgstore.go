package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
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

const instanceColumns = `id, program, input, run_status, output, error,
	pending_timers, wake_at, version, created_at, updated_at`

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// EnsureSchema creates the workflow tables if they do not exist.
func (s *PgInstanceStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply workflow schema: %w", err)
		}
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst Instance) error {
	timers, err := marshalTimers(inst.PendingTimers)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.Program, nullJSON(inst.Input), inst.RunStatus, nullJSON(inst.Output), inst.Error,
		timers, inst.WakeAt, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID.
func (s *PgInstanceStore) Get(ctx context.Context, instanceID string) (Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instance{}, model.NewInstanceNotFoundError(instanceID)
	}
	if err != nil {
		return Instance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// History returns the instance history ordered by seq.
func (s *PgInstanceStore) History(ctx context.Context, instanceID string) ([]HistoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, step_id, kind, name, branch, payload, error, logical_time
		FROM workflow_history
		WHERE instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var kind string
		var payload []byte
		if err := rows.Scan(
			&rec.Seq, &rec.StepID, &kind, &rec.Name, &rec.Branch,
			&payload, &rec.Error, &rec.LogicalTime,
		); err != nil {
			return nil, fmt.Errorf("scan workflow history: %w", err)
		}
		rec.Kind = RecordKind(kind)
		rec.Payload = payload
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Commit applies one state transition in a single transaction.
func (s *PgInstanceStore) Commit(ctx context.Context, c Commit) error {
	inst := c.Instance
	timers, err := marshalTimers(inst.PendingTimers)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			run_status = $1,
			output = $2,
			error = $3,
			pending_timers = $4,
			wake_at = $5,
			updated_at = $6,
			version = version + 1
		WHERE id = $7 AND version = $8`,
		inst.RunStatus, nullJSON(inst.Output), inst.Error, timers,
		inst.WakeAt, inst.UpdatedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}

	if len(c.Records) > 0 {
		batch := &pgx.Batch{}
		for _, rec := range c.Records {
			batch.Queue(`
				INSERT INTO workflow_history (
					instance_id, seq, step_id, kind, name, branch, payload, error, logical_time
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				inst.ID, rec.Seq, rec.StepID, string(rec.Kind), rec.Name, rec.Branch,
				nullJSON(rec.Payload), rec.Error, rec.LogicalTime,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return model.NewConflictError(fmt.Sprintf("workflow instance %q history conflict", inst.ID))
			}
			return fmt.Errorf("insert workflow history: %w", err)
		}
	}

	if len(c.Consumed) > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM workflow_inbox
			WHERE instance_id = $1 AND id = ANY($2)`,
			inst.ID, c.Consumed,
		); err != nil {
			return fmt.Errorf("consume inbox events: %w", err)
		}
	}

	seen := c.SeenInbox
	if seen == nil {
		seen = []string{}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET wake_at = $2
		WHERE id = $1 AND run_status = 'Running'
		AND EXISTS (
			SELECT 1 FROM workflow_inbox
			WHERE instance_id = $1 AND NOT (id = ANY($3))
		)`,
		inst.ID, inst.UpdatedAt, seen,
	); err != nil {
		return fmt.Errorf("mark late inbox events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit workflow transition: %w", err)
	}
	return nil
}

// EnqueueEvent buffers an event and marks the instance runnable.
func (s *PgInstanceStore) EnqueueEvent(ctx context.Context, ev InboxEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET wake_at = $2
		WHERE id = $1`,
		ev.InstanceID, ev.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("wake workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewInstanceNotFoundError(ev.InstanceID)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO workflow_inbox (id, instance_id, name, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.InstanceID, ev.Name, nullJSON(ev.Payload), ev.ReceivedAt,
	); err != nil {
		return fmt.Errorf("insert inbox event: %w", err)
	}
	return tx.Commit(ctx)
}

// PendingEvents returns unconsumed events oldest first.
func (s *PgInstanceStore) PendingEvents(ctx context.Context, instanceID string) ([]InboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, name, payload, received_at
		FROM workflow_inbox
		WHERE instance_id = $1
		ORDER BY received_at ASC, id ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query inbox events: %w", err)
	}
	defer rows.Close()

	var events []InboxEvent
	for rows.Next() {
		var ev InboxEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.Name, &payload, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan inbox event: %w", err)
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AcquireLease takes or renews the scheduling lease.
func (s *PgInstanceStore) AcquireLease(ctx context.Context, instanceID, owner string, now, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET lease_owner = $2, lease_until = $4
		WHERE id = $1
		AND (lease_owner = '' OR lease_owner = $2 OR lease_until IS NULL OR lease_until <= $3)`,
		instanceID, owner, now, until,
	)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, instanceID); err != nil {
		return err
	}
	return ErrLeaseHeld
}

// ReleaseLease drops the lease if owner holds it.
func (s *PgInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET lease_owner = '', lease_until = NULL
		WHERE id = $1 AND lease_owner = $2`,
		instanceID, owner,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// FindRunnable returns running instances due at or before cutoff.
func (s *PgInstanceStore) FindRunnable(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM workflow_instances
		WHERE run_status = 'Running' AND wake_at IS NOT NULL AND wake_at <= $1
		ORDER BY wake_at ASC
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runnable instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan runnable instance: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanInstance(row pgx.Row) (Instance, error) {
	var inst Instance
	var input, output, timers []byte
	if err := row.Scan(
		&inst.ID, &inst.Program, &input, &inst.RunStatus, &output, &inst.Error,
		&timers, &inst.WakeAt, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return Instance{}, err
	}
	inst.Input = input
	inst.Output = output
	if len(timers) > 0 {
		if err := json.Unmarshal(timers, &inst.PendingTimers); err != nil {
			return Instance{}, fmt.Errorf("unmarshal pending timers: %w", err)
		}
	}
	return inst, nil
}

func marshalTimers(timers []PendingTimer) ([]byte, error) {
	if len(timers) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(timers)
	if err != nil {
		return nil, fmt.Errorf("marshal pending timers: %w", err)
	}
	return b, nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
