package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL pool. Tables:
// executions, node_logs, workflow_timers; every row carries its region.
type PostgresStore struct {
	pool   *pgxpool.Pool
	region string
}

func NewPostgresStore(ctx context.Context, connString, region string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, region: region}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// executionDoc carries the JSON-encoded parts of an execution row.
type executionDoc struct {
	TriggerData map[string]any  `json:"trigger_data,omitempty"`
	NodeOutputs map[string]any  `json:"node_outputs,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Lease       *Lease          `json:"lease,omitempty"`
	Timeline    []TimelineEvent `json:"timeline,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e *Execution) error {
	doc, err := json.Marshal(executionDoc{
		TriggerData: e.TriggerData, NodeOutputs: e.NodeOutputs, Metadata: e.Metadata,
		Lease: e.Lease, Timeline: e.Timeline, Tags: e.Tags,
	})
	if err != nil {
		return err
	}
	query := `
		INSERT INTO executions (id, workflow_id, organization_id, user_id, region, status,
			trigger_type, error, correlation_id, wait_reason, resume_at,
			started_at, completed_at, duration_ms, total_nodes, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.pool.Exec(ctx, query,
		e.ID, e.WorkflowID, e.OrganizationID, e.UserID, s.region, e.Status,
		e.TriggerType, e.Error, e.CorrelationID, e.WaitReason, e.ResumeAt,
		e.StartedAt, e.CompletedAt, e.DurationMS, e.TotalNodes, doc,
	)
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, e *Execution) error {
	doc, err := json.Marshal(executionDoc{
		TriggerData: e.TriggerData, NodeOutputs: e.NodeOutputs, Metadata: e.Metadata,
		Lease: e.Lease, Timeline: e.Timeline, Tags: e.Tags,
	})
	if err != nil {
		return err
	}
	query := `
		UPDATE executions
		SET status = $2, error = $3, wait_reason = $4, resume_at = $5,
			completed_at = $6, duration_ms = $7, doc = $8
		WHERE id = $1 AND region = $9
	`
	tag, err := s.pool.Exec(ctx, query,
		e.ID, e.Status, e.Error, e.WaitReason, e.ResumeAt,
		e.CompletedAt, e.DurationMS, doc, s.region,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const executionColumns = `id, workflow_id, organization_id, user_id, region, status,
	trigger_type, error, correlation_id, wait_reason, resume_at,
	started_at, completed_at, duration_ms, total_nodes, doc`

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	var docRaw []byte
	err := row.Scan(
		&e.ID, &e.WorkflowID, &e.OrganizationID, &e.UserID, &e.Region, &e.Status,
		&e.TriggerType, &e.Error, &e.CorrelationID, &e.WaitReason, &e.ResumeAt,
		&e.StartedAt, &e.CompletedAt, &e.DurationMS, &e.TotalNodes, &docRaw,
	)
	if err != nil {
		return nil, err
	}
	var doc executionDoc
	if len(docRaw) > 0 {
		if err := json.Unmarshal(docRaw, &doc); err != nil {
			return nil, err
		}
	}
	e.TriggerData = doc.TriggerData
	e.NodeOutputs = doc.NodeOutputs
	e.Metadata = doc.Metadata
	e.Lease = doc.Lease
	e.Timeline = doc.Timeline
	e.Tags = doc.Tags
	return &e, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1 AND region = $2`
	e, err := scanExecution(s.pool.QueryRow(ctx, query, id, s.region))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, f Filter) ([]*Execution, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "region = "+arg(s.region))
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = "+arg(f.WorkflowID))
	}
	if f.OrganizationID != "" {
		where = append(where, "organization_id = "+arg(f.OrganizationID))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(f.Statuses)+")")
	}
	if !f.DateFrom.IsZero() {
		where = append(where, "started_at >= "+arg(f.DateFrom))
	}
	if !f.DateTo.IsZero() {
		where = append(where, "started_at <= "+arg(f.DateTo))
	}

	order := "started_at DESC"
	if f.Sort == "duration" {
		order = "duration_ms DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` +
		strings.Join(where, " AND ") +
		" ORDER BY " + order +
		" LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		// Tag filtering happens post-scan; tags live in the JSON doc.
		if matchesTags(e, f.Tags) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func matchesTags(e *Execution, want []string) bool {
	for _, w := range want {
		found := false
		for _, tag := range e.Tags {
			if tag == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *PostgresStore) ListByCorrelation(ctx context.Context, correlationID string) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE correlation_id = $1 AND region = $2 ORDER BY started_at DESC`
	rows, err := s.pool.Query(ctx, query, correlationID, s.region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// attemptDoc carries the JSON-encoded parts of a node_logs row.
type attemptDoc struct {
	Input        any            `json:"input,omitempty"`
	Output       any            `json:"output,omitempty"`
	RetryHistory []RetryEvent   `json:"retry_history,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s *PostgresStore) CreateNodeAttempt(ctx context.Context, a *NodeAttempt) error {
	doc, err := json.Marshal(attemptDoc{Input: a.Input, Output: a.Output, RetryHistory: a.RetryHistory, Metadata: a.Metadata})
	if err != nil {
		return err
	}
	query := `
		INSERT INTO node_logs (execution_id, node_id, attempt, region, status, started_at, ended_at, error, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query,
		a.ExecutionID, a.NodeID, a.Attempt, s.region, a.Status, a.StartedAt, a.EndedAt, a.Error, doc,
	)
	return err
}

func (s *PostgresStore) UpdateNodeAttempt(ctx context.Context, a *NodeAttempt) error {
	doc, err := json.Marshal(attemptDoc{Input: a.Input, Output: a.Output, RetryHistory: a.RetryHistory, Metadata: a.Metadata})
	if err != nil {
		return err
	}
	query := `
		UPDATE node_logs SET status = $4, ended_at = $5, error = $6, doc = $7
		WHERE execution_id = $1 AND node_id = $2 AND attempt = $3
	`
	tag, err := s.pool.Exec(ctx, query, a.ExecutionID, a.NodeID, a.Attempt, a.Status, a.EndedAt, a.Error, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const attemptColumns = `execution_id, node_id, attempt, status, started_at, ended_at, error, doc`

func scanAttempt(row pgx.Row) (*NodeAttempt, error) {
	var a NodeAttempt
	var docRaw []byte
	err := row.Scan(&a.ExecutionID, &a.NodeID, &a.Attempt, &a.Status, &a.StartedAt, &a.EndedAt, &a.Error, &docRaw)
	if err != nil {
		return nil, err
	}
	var doc attemptDoc
	if len(docRaw) > 0 {
		if err := json.Unmarshal(docRaw, &doc); err != nil {
			return nil, err
		}
	}
	a.Input = doc.Input
	a.Output = doc.Output
	a.RetryHistory = doc.RetryHistory
	a.Metadata = doc.Metadata
	return &a, nil
}

func (s *PostgresStore) GetNodeAttempt(ctx context.Context, executionID, nodeID string, attempt int) (*NodeAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM node_logs
		WHERE execution_id = $1 AND node_id = $2 AND attempt = $3`
	a, err := scanAttempt(s.pool.QueryRow(ctx, query, executionID, nodeID, attempt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) ListNodeAttempts(ctx context.Context, executionID string) ([]*NodeAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM node_logs
		WHERE execution_id = $1 ORDER BY started_at ASC, attempt ASC`
	rows, err := s.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTimer(ctx context.Context, t *WorkflowTimer) error {
	query := `
		INSERT INTO workflow_timers (id, execution_id, region, resume_at, payload, status, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.ExecutionID, s.region, t.ResumeAt, []byte(t.Payload), t.Status, t.Attempts, t.LastError, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]*WorkflowTimer, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, execution_id, resume_at, payload, status, attempts, last_error, created_at
		FROM workflow_timers
		WHERE status = $1 AND resume_at <= $2 AND region = $3
		ORDER BY resume_at ASC LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, TimerPending, now, s.region, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowTimer
	for rows.Next() {
		var t WorkflowTimer
		var payload []byte
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.ResumeAt, &payload, &t.Status, &t.Attempts, &t.LastError, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Payload = payload
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimTimer(ctx context.Context, id string) error {
	query := `UPDATE workflow_timers SET status = $2 WHERE id = $1 AND status = $3`
	tag, err := s.pool.Exec(ctx, query, id, TimerInFlight, TimerPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTimerClaimed
	}
	return nil
}

func (s *PostgresStore) CompleteTimer(ctx context.Context, id string) error {
	query := `UPDATE workflow_timers SET status = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, TimerComplete)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RescheduleTimer(ctx context.Context, id string, resumeAt time.Time, lastError string) error {
	query := `
		UPDATE workflow_timers
		SET status = $2, resume_at = $3, attempts = attempts + 1, last_error = $4
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, TimerPending, resumeAt, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	// node_logs and workflow_timers cascade from executions via FK.
	query := `
		DELETE FROM executions
		WHERE region = $1 AND completed_at IS NOT NULL AND completed_at < $2
			AND status IN ('completed', 'failed', 'partial')
	`
	tag, err := s.pool.Exec(ctx, query, s.region, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
