package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"snag-tracker/internal/models"
)

var (
	// ErrNotFound is returned when no snag matches.
	ErrNotFound = errors.New("snag not found")
	// ErrConflict is returned when a conditional update lost a race.
	ErrConflict = errors.New("snag changed concurrently")
)

// maxIdentifierProbes bounds the collision-skip loop in NextIdentifier.
const maxIdentifierProbes = 1000

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// NextIdentifier reserves the next free SNag-YYYYMMDD-#### for day.
// The counter row is incremented under its row lock, so concurrent submissions never
// receive the same sequence number; identifiers already taken (e.g. imported rows)
// are skipped.
func (s *Store) NextIdentifier(ctx context.Context, day time.Time) (string, error) {
	day = models.DayOf(day)
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for i := 0; i < maxIdentifierProbes; i++ {
		var seq int
		if err := tx.QueryRow(ctx, `
			INSERT INTO snag_day_counters (day, last_seq) VALUES ($1, 1)
			ON CONFLICT (day) DO UPDATE SET last_seq = snag_day_counters.last_seq + 1
			RETURNING last_seq
		`, day).Scan(&seq); err != nil {
			return "", errors.Wrap(err, "advance day counter")
		}
		identifier := models.FormatIdentifier(day, seq)

		var taken bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM snags WHERE identifier = $1)
		`, identifier).Scan(&taken); err != nil {
			return "", errors.Wrap(err, "check identifier")
		}
		if taken {
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			return "", errors.Wrap(err, "commit")
		}
		return identifier, nil
	}
	return "", errors.Errorf("no free identifier for %s after %d probes", day.Format("2006-01-02"), maxIdentifierProbes)
}

// Create inserts a new snag. ID and timestamps are assigned when empty.
func (s *Store) Create(ctx context.Context, sn models.Snag) (models.Snag, error) {
	if sn.ID == "" {
		sn.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = now
	}
	sn.UpdatedAt = now
	steps, err := json.Marshal(nonNilSteps(sn.Steps))
	if err != nil {
		return models.Snag{}, errors.Wrap(err, "marshal steps")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO snags (
			id, identifier, created_at, updated_at, reporter_name, reporter_email, store_name, store_code,
			report_date, title, category, description, urgency, score, status, cost, payment_status,
			email_sent, email_sent_at, media_link, media_file_id, media_status, sync_status,
			resolved_at, resolved_by, owner_id, steps
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16::numeric, $17,
			$18, $19, $20, $21, $22, $23,
			$24, $25, $26, $27
		)
	`, sn.ID, sn.Identifier, sn.CreatedAt, sn.UpdatedAt, sn.ReporterName, sn.ReporterEmail, sn.StoreName, sn.StoreCode,
		sn.ReportDate, sn.Title, sn.Category, sn.Description, string(sn.Urgency), sn.Score, string(sn.Status), sn.Cost.String(), string(sn.PaymentStatus),
		sn.EmailSent, sn.EmailSentAt, sn.MediaLink, sn.MediaFileID, sn.MediaStatus, sn.SyncStatus,
		sn.ResolvedAt, sn.ResolvedBy, sn.OwnerID, steps)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Snag{}, errors.Wrapf(err, "identifier %s already exists", sn.Identifier)
		}
		return models.Snag{}, errors.Wrap(err, "insert snag")
	}
	if sn.Notes == nil {
		sn.Notes = []models.Note{}
	}
	return sn, nil
}

const snagColumns = `
	id, identifier, created_at, updated_at, reporter_name, reporter_email, store_name, store_code,
	report_date, title, category, description, urgency, score, status, cost::text, payment_status,
	email_sent, email_sent_at, media_link, media_file_id, media_status, sync_status,
	resolved_at, resolved_by, owner_id, steps`

// Get fetches a snag with its notes by surrogate id.
func (s *Store) Get(ctx context.Context, id string) (models.Snag, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Snag{}, ErrNotFound
	}
	return s.getWhere(ctx, s.pool, `id = $1`, id)
}

// GetByIdentifier fetches a snag by its human-readable identifier.
func (s *Store) GetByIdentifier(ctx context.Context, identifier string) (models.Snag, error) {
	return s.getWhere(ctx, s.pool, `identifier = $1`, identifier)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) getWhere(ctx context.Context, q querier, where string, arg any) (models.Snag, error) {
	row := q.QueryRow(ctx, `SELECT `+snagColumns+` FROM snags WHERE `+where, arg)
	sn, err := scanSnag(row)
	if err != nil {
		return models.Snag{}, err
	}
	notes, err := s.notes(ctx, q, sn.ID)
	if err != nil {
		return models.Snag{}, err
	}
	sn.Notes = notes
	return sn, nil
}

func scanSnag(row pgx.Row) (models.Snag, error) {
	var (
		sn                                 models.Snag
		urgency, status, payment, cost     string
		emailSentAt, resolvedAt            pgtype.Timestamptz
		mediaLink, mediaFileID, resolvedBy pgtype.Text
		reportDate                         pgtype.Date
		steps                              []byte
	)
	err := row.Scan(&sn.ID, &sn.Identifier, &sn.CreatedAt, &sn.UpdatedAt, &sn.ReporterName, &sn.ReporterEmail, &sn.StoreName, &sn.StoreCode,
		&reportDate, &sn.Title, &sn.Category, &sn.Description, &urgency, &sn.Score, &status, &cost, &payment,
		&sn.EmailSent, &emailSentAt, &mediaLink, &mediaFileID, &sn.MediaStatus, &sn.SyncStatus,
		&resolvedAt, &resolvedBy, &sn.OwnerID, &steps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Snag{}, ErrNotFound
		}
		return models.Snag{}, errors.Wrap(err, "scan snag")
	}
	sn.Urgency = models.Urgency(urgency)
	sn.Status = models.Status(status)
	sn.PaymentStatus = models.PaymentStatus(payment)
	if sn.Cost, err = decimal.NewFromString(cost); err != nil {
		return models.Snag{}, errors.Wrap(err, "parse cost")
	}
	if reportDate.Valid {
		sn.ReportDate = reportDate.Time
	}
	sn.EmailSentAt = timePtr(emailSentAt)
	sn.ResolvedAt = timePtr(resolvedAt)
	sn.MediaLink = textPtr(mediaLink)
	sn.MediaFileID = textPtr(mediaFileID)
	sn.ResolvedBy = textPtr(resolvedBy)
	if err := json.Unmarshal(steps, &sn.Steps); err != nil {
		return models.Snag{}, errors.Wrap(err, "unmarshal steps")
	}
	return sn, nil
}

func (s *Store) notes(ctx context.Context, q querier, snagID string) ([]models.Note, error) {
	rows, err := q.Query(ctx, `
		SELECT author, body, created_at FROM snag_notes WHERE snag_id = $1 ORDER BY id
	`, snagID)
	if err != nil {
		return nil, errors.Wrap(err, "query notes")
	}
	defer rows.Close()
	notes := []models.Note{}
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.Author, &n.Text, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan note")
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// SaveOutcomes records the best-effort step results after persistence.
func (s *Store) SaveOutcomes(ctx context.Context, id string, o models.Outcomes) error {
	steps, err := json.Marshal(nonNilSteps(o.Steps))
	if err != nil {
		return errors.Wrap(err, "marshal steps")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE snags
		SET sync_status = $2, email_sent = $3, email_sent_at = $4, steps = $5, updated_at = NOW()
		WHERE id = $1
	`, id, o.SyncStatus, o.EmailSent, o.EmailSentAt, steps)
	if err != nil {
		return errors.Wrap(err, "update outcomes")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves a snag from one status to another only if it is still in from.
// Entering Resolved stamps resolved_at and resolved_by.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to models.Status, actor string, at time.Time) (models.Snag, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE snags
		SET status = $3,
		    resolved_at = CASE WHEN $3 = 'Resolved' THEN $4 ELSE resolved_at END,
		    resolved_by = CASE WHEN $3 = 'Resolved' THEN $5 ELSE resolved_by END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at, actor)
	if err != nil {
		return models.Snag{}, errors.Wrap(err, "update status")
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return models.Snag{}, err
		}
		return models.Snag{}, ErrConflict
	}
	return s.Get(ctx, id)
}

// UpdateCost sets cost and payment status.
func (s *Store) UpdateCost(ctx context.Context, id string, amount decimal.Decimal, payment models.PaymentStatus) (models.Snag, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE snags SET cost = $2::numeric, payment_status = $3, updated_at = NOW() WHERE id = $1
	`, id, amount.String(), string(payment))
	if err != nil {
		return models.Snag{}, errors.Wrap(err, "update cost")
	}
	if tag.RowsAffected() == 0 {
		return models.Snag{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// AppendNote adds a note at the end of the snag's note sequence.
func (s *Store) AppendNote(ctx context.Context, id string, n models.Note) (models.Snag, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Snag{}, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE snags SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return models.Snag{}, errors.Wrap(err, "touch snag")
	}
	if tag.RowsAffected() == 0 {
		return models.Snag{}, ErrNotFound
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO snag_notes (snag_id, author, body, created_at) VALUES ($1, $2, $3, $4)
	`, id, n.Author, n.Text, n.CreatedAt); err != nil {
		return models.Snag{}, errors.Wrap(err, "insert note")
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Snag{}, errors.Wrap(err, "commit")
	}
	return s.Get(ctx, id)
}

// AppendSteps adds step results to the snag's step log and updates its sync status when given.
func (s *Store) AppendSteps(ctx context.Context, id string, syncStatus string, steps ...models.StepResult) error {
	raw, err := json.Marshal(nonNilSteps(steps))
	if err != nil {
		return errors.Wrap(err, "marshal steps")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE snags
		SET steps = steps || $2::jsonb,
		    sync_status = COALESCE(NULLIF($3, ''), sync_status),
		    updated_at = NOW()
		WHERE id = $1
	`, id, raw, syncStatus)
	if err != nil {
		return errors.Wrap(err, "append steps")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a snag and its notes.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM snags WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete snag")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilSteps(steps []models.StepResult) []models.StepResult {
	if steps == nil {
		return []models.StepResult{}
	}
	return steps
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
