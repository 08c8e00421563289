package analytical

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Read-side bounds.
const (
	// DefaultListLimit applies when a list request gives no limit.
	DefaultListLimit = 50

	// MaxListLimit caps any caller-supplied limit.
	MaxListLimit = 500

	// DefaultDecisionLimit bounds decision-event lookups per step.
	DefaultDecisionLimit = 100
)

// badRunPredicate marks runs worth a second look: heavy elimination, failed
// status, or a recorded error.
const badRunPredicate = `(overall_elimination_ratio > 0.8 OR status = 'failed' OR error IS NOT NULL)`

// ListRunsParams narrows and pages the run listing.
type ListRunsParams struct {
	// BadFilter restricts the listing to suspect runs.
	BadFilter bool

	// Limit caps the page size; zero means DefaultListLimit.
	Limit int

	// Offset skips rows for paging.
	Offset int
}

func (p *ListRunsParams) normalize() {
	if p.Limit <= 0 {
		p.Limit = DefaultListLimit
	}

	if p.Limit > MaxListLimit {
		p.Limit = MaxListLimit
	}

	if p.Offset < 0 {
		p.Offset = 0
	}
}

const runColumns = `
	run_id, pipeline_id, status, started_at, completed_at, error,
	total_steps, total_input_count, total_output_count,
	overall_elimination_ratio, metadata, updated_at`

// ListRuns returns run summaries ordered by start time, newest first.
func (s *Store) ListRuns(ctx context.Context, params ListRunsParams) ([]*RunRow, error) {
	params.normalize()

	query := `SELECT` + runColumns + ` FROM runs`
	if params.BadFilter {
		query += ` WHERE ` + badRunPredicate
	}

	query += ` ORDER BY started_at DESC LIMIT $1 OFFSET $2`

	rows, err := s.conn.DB.QueryContext(ctx, query, params.Limit, params.Offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var result []*RunRow

	for rows.Next() {
		row, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	return result, nil
}

// GetRun looks up one run by id. Returns ErrRunNotFound when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	row, err := scanRun(s.conn.DB.QueryRowContext(ctx,
		`SELECT`+runColumns+` FROM runs WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}

		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	return row, nil
}

const stepColumns = `
	step_id, run_id, pipeline_id, type, name,
	input_count, output_count, elimination_ratio,
	kept_count, eliminated_count, scored_count,
	started_at, completed_at, updated_at`

// GetStep looks up one step by id. Step ids are UUIDs, so the id alone is
// unique even though the primary key includes the run id. Returns
// ErrStepNotFound when absent.
func (s *Store) GetStep(ctx context.Context, stepID string) (*StepRow, error) {
	row, err := scanStep(s.conn.DB.QueryRowContext(ctx,
		`SELECT`+stepColumns+` FROM steps WHERE step_id = $1 LIMIT 1`, stepID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}

		return nil, fmt.Errorf("get step %s: %w", stepID, err)
	}

	return row, nil
}

// ListStepsByRun returns a run's steps in start order.
func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]*StepRow, error) {
	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT`+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
	}

	defer func() { _ = rows.Close() }()

	var result []*StepRow

	for rows.Next() {
		row, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
	}

	return result, nil
}

const eventColumns = `
	run_id, step_id, ts, event_id, pipeline_id,
	outcome, item_id, score, blob_key, updated_at`

// ListEventsByStep returns up to limit decision-event references for one
// step, in capture order.
func (s *Store) ListEventsByStep(ctx context.Context, stepID string, limit int) ([]*DecisionEventRow, error) {
	if limit <= 0 {
		limit = DefaultDecisionLimit
	}

	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT`+eventColumns+` FROM decision_events WHERE step_id = $1 ORDER BY ts ASC LIMIT $2`,
		stepID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for step %s: %w", stepID, err)
	}

	defer func() { _ = rows.Close() }()

	return collectEvents(rows, "step "+stepID)
}

// ListEventsByRunItem returns one item's trajectory through a run: every
// decision made about it, in capture order.
func (s *Store) ListEventsByRunItem(ctx context.Context, runID, itemID string) ([]*DecisionEventRow, error) {
	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT`+eventColumns+` FROM decision_events WHERE run_id = $1 AND item_id = $2 ORDER BY ts ASC`,
		runID, itemID)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s item %s: %w", runID, itemID, err)
	}

	defer func() { _ = rows.Close() }()

	return collectEvents(rows, fmt.Sprintf("run %s item %s", runID, itemID))
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner rowScanner) (*RunRow, error) {
	var (
		row      RunRow
		metadata nullableBytes
	)

	err := scanner.Scan(
		&row.RunID, &row.PipelineID, &row.Status, &row.StartedAt, &row.CompletedAt, &row.Error,
		&row.TotalSteps, &row.TotalInputCount, &row.TotalOutputCount,
		&row.OverallEliminationRatio, &metadata, &row.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadata.valid {
		row.Metadata, err = unmarshalMetadata(metadata.data)
		if err != nil {
			return nil, err
		}
	}

	return &row, nil
}

func scanStep(scanner rowScanner) (*StepRow, error) {
	var row StepRow

	err := scanner.Scan(
		&row.StepID, &row.RunID, &row.PipelineID, &row.Type, &row.Name,
		&row.InputCount, &row.OutputCount, &row.EliminationRatio,
		&row.KeptCount, &row.EliminatedCount, &row.ScoredCount,
		&row.StartedAt, &row.CompletedAt, &row.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &row, nil
}

func collectEvents(rows *sql.Rows, scope string) ([]*DecisionEventRow, error) {
	var result []*DecisionEventRow

	for rows.Next() {
		var row DecisionEventRow

		err := rows.Scan(
			&row.RunID, &row.StepID, &row.Timestamp, &row.EventID, &row.PipelineID,
			&row.Outcome, &row.ItemID, &row.Score, &row.BlobKey, &row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan events for %s: %w", scope, err)
		}

		result = append(result, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events for %s: %w", scope, err)
	}

	return result, nil
}
