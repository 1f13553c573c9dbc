package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"snag-tracker/internal/models"
)

const defaultListLimit = 500

// List returns snags matching f, newest first. Notes are not loaded.
func (s *Store) List(ctx context.Context, f models.Filter) ([]models.Snag, error) {
	where, args := filterClause(f)
	limit := f.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	args = append(args, limit)
	q := `SELECT ` + snagColumns + ` FROM snags` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list snags")
	}
	defer rows.Close()

	out := []models.Snag{}
	for rows.Next() {
		sn, err := scanSnag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// Stats counts snags by state for ownerID, or for everyone when ownerID is empty.
func (s *Store) Stats(ctx context.Context, ownerID string) (models.Stats, error) {
	where, args := filterClause(models.Filter{OwnerID: ownerID})
	var (
		st   models.Stats
		cost string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'Pending'),
			COUNT(*) FILTER (WHERE status = 'In Progress'),
			COUNT(*) FILTER (WHERE status = 'Resolved'),
			COUNT(*) FILTER (WHERE urgency = 'Critical'),
			COALESCE(SUM(cost), 0)::text
		FROM snags`+where, args...).
		Scan(&st.Total, &st.Pending, &st.InProgress, &st.Resolved, &st.Critical, &cost)
	if err != nil {
		return models.Stats{}, errors.Wrap(err, "snag stats")
	}
	if st.TotalCost, err = decimal.NewFromString(cost); err != nil {
		return models.Stats{}, errors.Wrap(err, "parse total cost")
	}
	return st, nil
}

func filterClause(f models.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.Store != "" {
		add("store_name ILIKE '%%' || $%d || '%%'", escapeLike(f.Store))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Urgency != "" {
		add("urgency = $%d", string(f.Urgency))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.From != nil {
		add("report_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("report_date <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
