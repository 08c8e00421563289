package analytical

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Sentinel errors for analytical store operations.
var (
	// ErrUpsertFailed is returned when a write could not be applied.
	ErrUpsertFailed = errors.New("analytical upsert failed")

	// ErrRunNotFound is returned when a run lookup matches no row.
	ErrRunNotFound = errors.New("run not found")

	// ErrStepNotFound is returned when a step lookup matches no row.
	ErrStepNotFound = errors.New("step not found")
)

// Store provides idempotent writes and single-table reads over the
// analytical schema.
//
// Every write carries an updated_at watermark; the upserts apply an update
// only when the incoming watermark is not older than the stored one, so
// replayed and reordered messages converge to the latest state.
type Store struct {
	conn   *Connection
	logger *slog.Logger
}

// NewStore creates a Store over an established connection.
func NewStore(conn *Connection, logger *slog.Logger) (*Store, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &Store{conn: conn, logger: logger}, nil
}

// HealthCheck delegates to the underlying connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

const upsertRunQuery = `
	INSERT INTO runs (
		run_id, pipeline_id, status, started_at, completed_at, error,
		total_steps, total_input_count, total_output_count,
		overall_elimination_ratio, metadata, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (run_id) DO UPDATE SET
		pipeline_id               = EXCLUDED.pipeline_id,
		status                    = EXCLUDED.status,
		started_at                = EXCLUDED.started_at,
		completed_at              = EXCLUDED.completed_at,
		error                     = EXCLUDED.error,
		total_steps               = EXCLUDED.total_steps,
		total_input_count         = EXCLUDED.total_input_count,
		total_output_count        = EXCLUDED.total_output_count,
		overall_elimination_ratio = EXCLUDED.overall_elimination_ratio,
		metadata                  = EXCLUDED.metadata,
		updated_at                = EXCLUDED.updated_at
	WHERE runs.updated_at <= EXCLUDED.updated_at`

// UpsertRun writes a run row, latest updated_at winning.
func (s *Store) UpsertRun(ctx context.Context, row *RunRow) error {
	metadata, err := marshalMetadata(row.Metadata)
	if err != nil {
		return fmt.Errorf("%w: run %s: %w", ErrUpsertFailed, row.RunID, err)
	}

	_, err = s.conn.DB.ExecContext(ctx, upsertRunQuery,
		row.RunID, row.PipelineID, row.Status, row.StartedAt, row.CompletedAt, row.Error,
		row.TotalSteps, row.TotalInputCount, row.TotalOutputCount,
		row.OverallEliminationRatio, metadata, row.UpdatedAt,
	)
	if err != nil {
		if isConnectionError(err) {
			s.logger.Error("analytical store unreachable", slog.String("error", err.Error()))
		}

		return fmt.Errorf("%w: run %s: %w", ErrUpsertFailed, row.RunID, err)
	}

	return nil
}

const upsertStepQuery = `
	INSERT INTO steps (
		step_id, run_id, pipeline_id, type, name,
		input_count, output_count, elimination_ratio,
		kept_count, eliminated_count, scored_count,
		started_at, completed_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (step_id, run_id) DO UPDATE SET
		pipeline_id       = EXCLUDED.pipeline_id,
		type              = EXCLUDED.type,
		name              = EXCLUDED.name,
		input_count       = EXCLUDED.input_count,
		output_count      = EXCLUDED.output_count,
		elimination_ratio = EXCLUDED.elimination_ratio,
		kept_count        = EXCLUDED.kept_count,
		eliminated_count  = EXCLUDED.eliminated_count,
		scored_count      = EXCLUDED.scored_count,
		started_at        = EXCLUDED.started_at,
		completed_at      = EXCLUDED.completed_at,
		updated_at        = EXCLUDED.updated_at
	WHERE steps.updated_at <= EXCLUDED.updated_at`

// UpsertStep writes a step metrics row, latest updated_at winning.
func (s *Store) UpsertStep(ctx context.Context, row *StepRow) error {
	_, err := s.conn.DB.ExecContext(ctx, upsertStepQuery,
		row.StepID, row.RunID, row.PipelineID, row.Type, row.Name,
		row.InputCount, row.OutputCount, row.EliminationRatio,
		row.KeptCount, row.EliminatedCount, row.ScoredCount,
		row.StartedAt, row.CompletedAt, row.UpdatedAt,
	)
	if err != nil {
		if isConnectionError(err) {
			s.logger.Error("analytical store unreachable", slog.String("error", err.Error()))
		}

		return fmt.Errorf("%w: step %s: %w", ErrUpsertFailed, row.StepID, err)
	}

	return nil
}

const insertDecisionEventQuery = `
	INSERT INTO decision_events (
		run_id, step_id, ts, event_id, pipeline_id,
		outcome, item_id, score, blob_key, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (run_id, step_id, ts, event_id) DO NOTHING`

// InsertDecisionEvent writes a decision event reference. Events are
// immutable, so a duplicate primary key is simply skipped.
func (s *Store) InsertDecisionEvent(ctx context.Context, row *DecisionEventRow) error {
	_, err := s.conn.DB.ExecContext(ctx, insertDecisionEventQuery,
		row.RunID, row.StepID, row.Timestamp, row.EventID, row.PipelineID,
		row.Outcome, row.ItemID, row.Score, row.BlobKey, row.UpdatedAt,
	)
	if err != nil {
		if isConnectionError(err) {
			s.logger.Error("analytical store unreachable", slog.String("error", err.Error()))
		}

		return fmt.Errorf("%w: event %s: %w", ErrUpsertFailed, row.EventID, err)
	}

	return nil
}

// marshalMetadata encodes run metadata for the JSONB column; nil metadata
// stores SQL NULL.
func marshalMetadata(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	return data, nil
}

// unmarshalMetadata decodes a JSONB column into run metadata.
func unmarshalMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return m, nil
}

// nullableBytes adapts a nullable bytea/jsonb scan target.
type nullableBytes struct {
	data  []byte
	valid bool
}

func (n *nullableBytes) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.data, n.valid = nil, false
	case []byte:
		n.data, n.valid = append([]byte(nil), v...), true
	case string:
		n.data, n.valid = []byte(v), true
	default:
		return fmt.Errorf("unsupported metadata scan type %T", src)
	}

	return nil
}

var _ sql.Scanner = (*nullableBytes)(nil)
