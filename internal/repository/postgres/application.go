package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/repository"
)

type ApplicationStore struct {
	pool *pgxpool.Pool
}

func NewApplicationStore(pool *pgxpool.Pool) *ApplicationStore {
	return &ApplicationStore{pool: pool}
}

const applicationColumns = `
	id, university_id, program_id, applicant_id, status, checklist, documents,
	assigned_reviewer_id, payment_id, version, created_at, reviewed_at, decided_at, updated_at`

// Create inserts a freshly submitted application. Used by seeding and the
// submission flow that lives outside this core.
func (s *ApplicationStore) Create(ctx context.Context, a *models.Application) error {
	query := `
		INSERT INTO applications (` + applicationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.pool.Exec(ctx, query,
		a.ID, a.TenantID, a.ProgramID, a.ApplicantID, string(a.Status), a.Checklist, documentsOrEmpty(a.Documents),
		a.AssignedReviewerID, a.PaymentID, a.Version, a.CreatedAt, a.ReviewedAt, a.DecidedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (s *ApplicationStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`

	a, err := scanApplication(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get application: %w", err)
	}
	return a, nil
}

// Commit applies a conditional update keyed on the expected version and
// appends the timeline event (and note) in the same transaction.
func (s *ApplicationStore) Commit(ctx context.Context, change repository.ApplicationChange) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin application tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a := change.Application
	update := `
		UPDATE applications SET
			status = $3,
			checklist = $4,
			documents = $5,
			assigned_reviewer_id = $6,
			payment_id = $7,
			version = $8,
			reviewed_at = $9,
			decided_at = $10,
			updated_at = $11
		WHERE id = $1 AND version = $2`

	tag, err := tx.Exec(ctx, update,
		a.ID, change.ExpectedVersion,
		string(a.Status), a.Checklist, documentsOrEmpty(a.Documents),
		a.AssignedReviewerID, a.PaymentID, a.Version,
		a.ReviewedAt, a.DecidedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}

	if err := insertTimelineEvent(ctx, tx, change.Event); err != nil {
		return err
	}
	if change.Note != nil {
		if err := insertNote(ctx, tx, change.Note); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit application tx: %w", err)
	}
	return nil
}

func (s *ApplicationStore) ListTimeline(ctx context.Context, applicationID uuid.UUID) ([]models.TimelineEvent, error) {
	query := `
		SELECT id, application_id, action, performed_by, performed_at, previous_value, new_value, details
		FROM timeline_events
		WHERE application_id = $1
		ORDER BY performed_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	events := make([]models.TimelineEvent, 0)
	for rows.Next() {
		var ev models.TimelineEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.ApplicationID,
			&ev.Action,
			&ev.PerformedBy,
			&ev.PerformedAt,
			&ev.PreviousValue,
			&ev.NewValue,
			&ev.Details,
		); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return events, nil
}

func (s *ApplicationStore) ListNotes(ctx context.Context, applicationID uuid.UUID) ([]models.Note, error) {
	query := `
		SELECT id, application_id, author_id, author_role, text, is_internal, created_at
		FROM application_notes
		WHERE application_id = $1
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes := make([]models.Note, 0)
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(
			&n.ID,
			&n.ApplicationID,
			&n.AuthorID,
			&n.AuthorRole,
			&n.Text,
			&n.IsInternal,
			&n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

func insertTimelineEvent(ctx context.Context, tx pgx.Tx, ev models.TimelineEvent) error {
	query := `
		INSERT INTO timeline_events (id, application_id, action, performed_by, performed_at, previous_value, new_value, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := tx.Exec(ctx, query,
		ev.ID, ev.ApplicationID, ev.Action, ev.PerformedBy, ev.PerformedAt,
		ev.PreviousValue, ev.NewValue, ev.Details,
	)
	if err != nil {
		return fmt.Errorf("insert timeline event: %w", err)
	}
	return nil
}

func insertNote(ctx context.Context, tx pgx.Tx, n *models.Note) error {
	query := `
		INSERT INTO application_notes (id, application_id, author_id, author_role, text, is_internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.Exec(ctx, query,
		n.ID, n.ApplicationID, n.AuthorID, n.AuthorRole, n.Text, n.IsInternal, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func scanApplication(row pgx.Row) (*models.Application, error) {
	var (
		a      models.Application
		status string
	)
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.ProgramID,
		&a.ApplicantID,
		&status,
		&a.Checklist,
		&a.Documents,
		&a.AssignedReviewerID,
		&a.PaymentID,
		&a.Version,
		&a.CreatedAt,
		&a.ReviewedAt,
		&a.DecidedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.ApplicationStatus(status)
	if !a.Status.Valid() {
		return nil, fmt.Errorf("application %s: unknown status %q", a.ID, status)
	}
	if a.Documents == nil {
		a.Documents = make(map[string]models.DocumentReview)
	}
	return &a, nil
}

func documentsOrEmpty(docs map[string]models.DocumentReview) map[string]models.DocumentReview {
	if docs == nil {
		return map[string]models.DocumentReview{}
	}
	return docs
}
