package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sdlora_server/core"
)

// ErrNotFound is returned when a generation ID is unknown.
var ErrNotFound = errors.New("generation not found")

// MaxListLimit caps ListRecentGenerations.
const MaxListLimit = 500

const generationColumns = `id, prompt, negative_prompt, steps, guidance_scale, width, height,
	seed, backend, lora_applied, status, error_message, duration_ms, image_bytes, created_at`

// Repository reads and writes the generations table.
type Repository struct {
	db *Database
}

// NewRepository creates a Repository over db.
func NewRepository(db *Database) *Repository {
	return &Repository{db: db}
}

// InsertGeneration stores one finished generation.
func (r *Repository) InsertGeneration(ctx context.Context, rec core.GenerationRecord) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("generation record has no id")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO generations (`+generationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Prompt,
		rec.NegativePrompt,
		rec.Steps,
		rec.GuidanceScale,
		rec.Width,
		rec.Height,
		rec.Seed,
		rec.Backend,
		rec.LoRAApplied,
		rec.Status,
		rec.ErrorMessage,
		rec.Duration.Milliseconds(),
		rec.ImageBytes,
		createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation %s: %w", rec.ID, err)
	}
	return nil
}

// GetGeneration returns the generation with id, or ErrNotFound.
func (r *Repository) GetGeneration(ctx context.Context, id string) (core.GenerationRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return core.GenerationRecord{}, err
	}
	row := conn.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	rec, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.GenerationRecord{}, ErrNotFound
	}
	return rec, err
}

// ListRecentGenerations returns up to limit generations, newest first.
// limit is clamped to 1..MaxListLimit.
func (r *Repository) ListRecentGenerations(ctx context.Context, limit int) ([]core.GenerationRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	limit = min(max(limit, 1), MaxListLimit)

	rows, err := conn.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM generations ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	defer rows.Close()

	records := make([]core.GenerationRecord, 0, limit)
	for rows.Next() {
		rec, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read generations: %w", err)
	}
	return records, nil
}

// CountGenerations counts generations with status, or all of them when
// status is empty.
func (r *Repository) CountGenerations(ctx context.Context, status string) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	var count int64
	if status == "" {
		err = conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations`).Scan(&count)
	} else {
		err = conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations WHERE status = ?`, status).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count generations: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(s rowScanner) (core.GenerationRecord, error) {
	var (
		rec        core.GenerationRecord
		durationMS int64
		createdAt  int64
	)
	err := s.Scan(
		&rec.ID,
		&rec.Prompt,
		&rec.NegativePrompt,
		&rec.Steps,
		&rec.GuidanceScale,
		&rec.Width,
		&rec.Height,
		&rec.Seed,
		&rec.Backend,
		&rec.LoRAApplied,
		&rec.Status,
		&rec.ErrorMessage,
		&durationMS,
		&rec.ImageBytes,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan generation: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, nil
}
