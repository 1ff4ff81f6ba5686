package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/stepflow/pkg/api"
)

// sqlFlowStore holds the queries shared by the SQLite and PostgreSQL
// stores. The two differ only in schema DDL and placeholder syntax.
//
// Searchable columns are denormalized from the document; the document
// itself is the source of truth. Timestamps are stored as unix nanoseconds.
type sqlFlowStore struct {
	db   *sql.DB
	bind func(n int) string
}

func (s *sqlFlowStore) SaveFlow(ctx context.Context, flow *api.FlowState) error {
	doc, err := EncodeFlow(flow)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO flows (id, flow_type, user_id, status, pause_reason, created_at, updated_at, version, document)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET
			flow_type    = excluded.flow_type,
			user_id      = excluded.user_id,
			status       = excluded.status,
			pause_reason = excluded.pause_reason,
			updated_at   = excluded.updated_at,
			version      = excluded.version,
			document     = excluded.document`,
		s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5), s.bind(6), s.bind(7), s.bind(8), s.bind(9)),
		flow.FlowID,
		flow.FlowType,
		flow.UserID,
		string(flow.Status),
		flow.PauseReason,
		flow.CreatedAt.UnixNano(),
		flow.UpdatedAt.UnixNano(),
		flow.Version,
		doc,
	)
	if err != nil {
		return fmt.Errorf("save flow %s: %w", flow.FlowID, err)
	}
	return nil
}

func (s *sqlFlowStore) GetFlow(ctx context.Context, id string) (*api.FlowState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document FROM flows WHERE id = `+s.bind(1), id)

	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return DecodeFlow(doc)
}

func (s *sqlFlowStore) ListFlowsByStatus(ctx context.Context, statuses ...api.FlowStatus) ([]*api.FlowState, error) {
	w := s.where(api.FlowQuery{Statuses: statuses})
	return s.queryDocuments(ctx, `SELECT document FROM flows`+w.sql(), w.args...)
}

func (s *sqlFlowStore) QueryFlows(ctx context.Context, q api.FlowQuery) (api.FlowPage, error) {
	q = q.Normalized()
	w := s.where(q)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flows`+w.sql(), w.args...).Scan(&total); err != nil {
		return api.FlowPage{}, err
	}

	args := append(w.args, q.Limit, q.Offset)
	query := fmt.Sprintf(`SELECT document FROM flows%s ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s`,
		w.sql(), s.bind(len(args)-1), s.bind(len(args)))
	flows, err := s.queryDocuments(ctx, query, args...)
	if err != nil {
		return api.FlowPage{}, err
	}

	page := api.FlowPage{Total: total, Offset: q.Offset, Limit: q.Limit, Items: make([]api.FlowSummary, 0, len(flows))}
	for _, f := range flows {
		page.Items = append(page.Items, f.Summary())
	}
	return page, nil
}

func (s *sqlFlowStore) DeleteFlows(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = s.bind(i + 1)
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *sqlFlowStore) queryDocuments(ctx context.Context, query string, args ...any) ([]*api.FlowState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*api.FlowState
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		f, err := DecodeFlow(doc)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return flows, nil
}

type whereClause struct {
	clauses []string
	args    []any
}

func (w whereClause) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (s *sqlFlowStore) where(q api.FlowQuery) whereClause {
	var w whereClause
	add := func(expr string, v any) {
		w.args = append(w.args, v)
		w.clauses = append(w.clauses, fmt.Sprintf(expr, s.bind(len(w.args))))
	}

	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			w.args = append(w.args, string(st))
			marks[i] = s.bind(len(w.args))
		}
		w.clauses = append(w.clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if q.FlowType != "" {
		add("flow_type = %s", q.FlowType)
	}
	if q.UserID != "" {
		add("user_id = %s", q.UserID)
	}
	if q.PauseReason != "" {
		add("pause_reason = %s", q.PauseReason)
	}
	if q.CreatedFrom != nil {
		add("created_at >= %s", q.CreatedFrom.UnixNano())
	}
	if q.CreatedTo != nil {
		add("created_at <= %s", q.CreatedTo.UnixNano())
	}
	if q.UpdatedBefore != nil {
		add("updated_at < %s", q.UpdatedBefore.UnixNano())
	}
	return w
}
