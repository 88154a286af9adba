package repository

import (
	"context"
	"fmt"

	"postmailer/internal/apperrors"
	"postmailer/internal/model"
)

type RecordRepository struct {
	db RepoExtension
}

func NewRecordRepository(db RepoExtension) *RecordRepository {
	return &RecordRepository{
		db: db,
	}
}

// SelectPending returns every record with processed = false. limit <= 0 means no limit.
func (r *RecordRepository) SelectPending(ctx context.Context, ext RepoExtension, limit int) ([]model.Record, error) {
	if ext == nil {
		ext = r.db
	}

	const query = `
		SELECT id, title, body, image_ref, recipient, processed, created_at, processed_at
		FROM posts
		WHERE processed = false
		ORDER BY created_at NULLS LAST, id
		LIMIT NULLIF($1, 0);
	`

	if limit < 0 {
		limit = 0
	}

	rows, err := ext.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrQuery, err)
	}

	defer rows.Close()

	records := make([]model.Record, 0)

	for rows.Next() {
		var record model.Record
		if err := rows.Scan(
			&record.ID,
			&record.Title,
			&record.Body,
			&record.ImageRef,
			&record.Recipient,
			&record.Processed,
			&record.CreatedAt,
			&record.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", apperrors.ErrQuery, err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrQuery, err)
	}

	return records, nil
}

// UpdateAsProcessed is idempotent: an already processed or unknown id is not an error.
func (r *RecordRepository) UpdateAsProcessed(ctx context.Context, ext RepoExtension, id string) error {
	if ext == nil {
		ext = r.db
	}

	const query = `
		UPDATE posts
		SET processed = true, processed_at = NOW()
		WHERE id = $1 AND processed = false;
	`

	if _, err := ext.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrUpdate, err)
	}

	return nil
}
