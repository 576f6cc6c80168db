package recording

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresGateway implements Gateway on the recordings table.
type PostgresGateway struct {
	DB *sql.DB
}

// NewPostgresGateway returns a gateway using db.
func NewPostgresGateway(db *sql.DB) *PostgresGateway { return &PostgresGateway{DB: db} }

const recordColumns = `id, streamer_id, COALESCE(target,''), COALESCE(quality,''), COALESCE(output_path,''), started_at, ended_at, status, COALESCE(failure_reason,'')`

type scanner interface{ Scan(dest ...any) error }

func scanRecord(s scanner) (Record, error) {
	var r Record
	var ended sql.NullTime
	var status string
	if err := s.Scan(&r.ID, &r.StreamerID, &r.Target, &r.Quality, &r.OutputPath, &r.StartedAt, &ended, &status, &r.FailureReason); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return r, nil
}

func (g *PostgresGateway) CreateRecording(ctx context.Context, rec NewRecord) (int64, error) {
	var id int64
	err := g.DB.QueryRowContext(ctx, `INSERT INTO recordings (streamer_id, target, quality, started_at, status, created_at)
		VALUES ($1,$2,$3,$4,'recording',NOW()) RETURNING id`, rec.StreamerID, rec.Target, rec.Quality, rec.StartedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert recording: %w", err)
	}
	return id, nil
}

func (g *PostgresGateway) SetOutputPath(ctx context.Context, id int64, path string) error {
	_, err := g.DB.ExecContext(ctx, `UPDATE recordings SET output_path=$1, updated_at=NOW() WHERE id=$2`, path, id)
	return err
}

// MarkEnded only updates rows whose ended_at is still NULL, so two concurrent
// resolvers cannot both write an end time.
func (g *PostgresGateway) MarkEnded(ctx context.Context, id int64, endedAt time.Time, status Status, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("mark ended: status %q is not terminal", status)
	}
	var nullReason sql.NullString
	if reason != "" {
		nullReason = sql.NullString{String: reason, Valid: true}
	}
	res, err := g.DB.ExecContext(ctx, `UPDATE recordings SET ended_at=$1, status=$2, failure_reason=$3, updated_at=NOW()
		WHERE id=$4 AND ended_at IS NULL`, endedAt, string(status), nullReason, id)
	if err != nil {
		return fmt.Errorf("mark recording %d ended: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := g.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM recordings WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyEnded
}

func (g *PostgresGateway) QueryOpenRecordings(ctx context.Context) ([]Record, error) {
	return g.list(ctx, `SELECT `+recordColumns+` FROM recordings WHERE status='recording' ORDER BY started_at ASC`)
}

func (g *PostgresGateway) Get(ctx context.Context, id int64) (Record, error) {
	r, err := scanRecord(g.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM recordings WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (g *PostgresGateway) ListByStreamer(ctx context.Context, streamerID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return g.list(ctx, `SELECT `+recordColumns+` FROM recordings WHERE streamer_id=$1 ORDER BY started_at DESC LIMIT $2`, streamerID, limit)
}

func (g *PostgresGateway) list(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := g.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEndedWithFiles returns resolved recordings that still reference an
// output file, grouped by streamer and newest first within each streamer.
func (g *PostgresGateway) ListEndedWithFiles(ctx context.Context) ([]Record, error) {
	return g.list(ctx, `SELECT `+recordColumns+` FROM recordings
		WHERE ended_at IS NOT NULL AND output_path IS NOT NULL AND output_path <> ''
		ORDER BY streamer_id, started_at DESC`)
}

// ClearOutputPath forgets the output file of a resolved recording. Open
// recordings are never touched.
func (g *PostgresGateway) ClearOutputPath(ctx context.Context, id int64) error {
	_, err := g.DB.ExecContext(ctx, `UPDATE recordings SET output_path=NULL, updated_at=NOW() WHERE id=$1 AND ended_at IS NOT NULL`, id)
	return err
}
