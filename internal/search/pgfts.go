package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across threads and messages using
// plainto_tsquery and ts_rank, with ts_headline for snippets. Hits are
// restricted to q.Repos.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.Repos) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	repoPlaceholders := make([]string, len(q.Repos))
	for i, repo := range q.Repos {
		repoPlaceholders[i] = fmt.Sprintf("$%d", argN)
		args = append(args, repo)
		argN++
	}
	repoCond := "t.repo IN (" + strings.Join(repoPlaceholders, ", ") + ")"

	branchCond := ""
	if q.Branch != "" {
		branchCond = fmt.Sprintf(" AND (t.branch = $%d OR t.branch = '')", argN)
		args = append(args, q.Branch)
		argN++
	}

	var subQueries []string

	// Threads sub-query
	if q.FilterType == "" || q.FilterType == ResultThread {
		threadWhere := "t.fts @@ " + tsQuery + " AND " + repoCond + branchCond
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'thread'::text AS type, t.id, t.id AS thread_id, t.repo, t.branch,
				coalesce(t.anchor_file, t.anchor_selector, '') AS anchor,
				ts_headline('english', coalesce(t.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(t.fts, %s) AS rank
			FROM threads t
			WHERE %s`, tsQuery, tsQuery, threadWhere))
	}

	// Messages sub-query
	if q.FilterType == "" || q.FilterType == ResultMessage {
		msgWhere := "m.fts @@ " + tsQuery + " AND " + repoCond + branchCond
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, m.thread_id, t.repo, t.branch,
				''::text AS anchor,
				ts_headline('english', coalesce(m.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			JOIN threads t ON t.id = m.thread_id
			WHERE %s`, tsQuery, tsQuery, msgWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, thread_id, repo, branch, anchor, snippet
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.ThreadID, &r.Repo, &r.Branch, &r.Anchor, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ThreadRecord, []MessageRecord, error) {
	threadRows, err := p.db.QueryContext(ctx, `
		SELECT id, repo, branch, coalesce(anchor_file, anchor_selector, ''), body, status
		FROM threads
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load threads: %w", err)
	}
	defer threadRows.Close()

	threads := make([]ThreadRecord, 0)
	for threadRows.Next() {
		var t ThreadRecord
		if err := threadRows.Scan(&t.ID, &t.Repo, &t.Branch, &t.Anchor, &t.Body, &t.Status); err != nil {
			return nil, nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := threadRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate threads: %w", err)
	}

	msgRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.thread_id, t.repo, t.branch, m.body
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()

	messages := make([]MessageRecord, 0)
	for msgRows.Next() {
		var m MessageRecord
		if err := msgRows.Scan(&m.ID, &m.ThreadID, &m.Repo, &m.Branch, &m.Body); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return threads, messages, nil
}
