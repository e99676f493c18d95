package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"postflow/internal/publish"
	logx "postflow/pkg/logx"
)

// dialect captures the few differences between SQLite and Postgres.
type dialect struct {
	name string
	// numbered rewrites ? placeholders to $1..$n.
	numbered bool
}

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

const slotIndexName = "items_user_slot_uniq"

// isSlotViolation reports whether err is the (user, slot) unique index rejecting a write.
func isSlotViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && (pqErr.Constraint == "" || pqErr.Constraint == slotIndexName)
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "scheduled_time")
}

// sqlStore implements Store over database/sql. SQLite and Postgres share it.
type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	d   dialect
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, log: log.With(logx.String("driver", d.name)), d: d}
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: migrate %s: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const itemColumns = `id, user_id, content_ref, platforms, scheduled_time, next_attempt_at, status, results, retry_count, failure_reason, created_at, updated_at, claimed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*publish.ScheduledItem, error) {
	var (
		it                              publish.ScheduledItem
		platforms, results, status, why string
		slot, next, created, updated    int64
		claimed                         sql.NullInt64
	)
	if err := r.Scan(&it.ID, &it.UserID, &it.ContentRef, &platforms, &slot, &next, &status, &results,
		&it.RetryCount, &why, &created, &updated, &claimed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(platforms), &it.Platforms); err != nil {
		return nil, fmt.Errorf("storage: item %s platforms: %w", it.ID, err)
	}
	if strings.TrimSpace(results) != "" {
		if err := json.Unmarshal([]byte(results), &it.PublishResults); err != nil {
			return nil, fmt.Errorf("storage: item %s results: %w", it.ID, err)
		}
	}
	it.Status = publish.Status(status)
	it.FailureReason = publish.FailureReason(why)
	it.ScheduledTime = time.UnixMilli(slot).UTC()
	it.NextAttemptAt = time.UnixMilli(next).UTC()
	it.CreatedAt = time.UnixMilli(created).UTC()
	it.UpdatedAt = time.UnixMilli(updated).UTC()
	if claimed.Valid {
		t := time.UnixMilli(claimed.Int64).UTC()
		it.ClaimedAt = &t
	}
	return &it, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *sqlStore) CreateItem(ctx context.Context, item *publish.ScheduledItem, content publish.Content) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("storage: item id required")
	}
	platforms, err := encodeJSON(publish.SortedPlatforms(item.Platforms))
	if err != nil {
		return err
	}
	results, err := encodeJSON(nonNilResults(item.PublishResults))
	if err != nil {
		return err
	}
	body, err := encodeJSON(content)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.exec(ctx, tx,
		`INSERT INTO contents(ref, body) VALUES(?, ?)
		 ON CONFLICT(ref) DO UPDATE SET body = excluded.body`,
		item.ContentRef, body,
	); err != nil {
		return fmt.Errorf("storage: insert content: %w", err)
	}

	var claimed sql.NullInt64
	if item.ClaimedAt != nil {
		claimed = sql.NullInt64{Int64: item.ClaimedAt.UnixMilli(), Valid: true}
	}
	if _, err := s.exec(ctx, tx,
		`INSERT INTO items(`+itemColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.ContentRef, platforms,
		item.ScheduledTime.UnixMilli(), item.NextAttemptAt.UnixMilli(),
		string(item.Status), results, item.RetryCount, string(item.FailureReason),
		item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli(), claimed,
	); err != nil {
		if isSlotViolation(err) {
			return publish.ErrSlotTaken
		}
		return fmt.Errorf("storage: insert item: %w", err)
	}
	return tx.Commit()
}

func nonNilResults(r []publish.PublishResult) []publish.PublishResult {
	if r == nil {
		return []publish.PublishResult{}
	}
	return r
}

func (s *sqlStore) getItem(ctx context.Context, q sqlExecer, id string) (*publish.ScheduledItem, error) {
	row := q.QueryRowContext(ctx, s.d.rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, publish.ErrNotFound
	}
	return it, err
}

func (s *sqlStore) GetItem(ctx context.Context, id string) (*publish.ScheduledItem, error) {
	return s.getItem(ctx, s.db, id)
}

func (s *sqlStore) ListItems(ctx context.Context, f ItemFilter) ([]*publish.ScheduledItem, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + itemColumns + ` FROM items`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY scheduled_time, id`
	if f.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*publish.ScheduledItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqlStore) OccupiedSlots(ctx context.Context, userID string, from, to time.Time, excludeID string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT scheduled_time FROM items
		 WHERE user_id = ? AND scheduled_time >= ? AND scheduled_time <= ?
		   AND status IN ('pending', 'publishing', 'published') AND id <> ?
		 ORDER BY scheduled_time`),
		userID, from.UnixMilli(), to.UnixMilli(), excludeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, time.UnixMilli(ms).UTC())
	}
	return out, rows.Err()
}

func (s *sqlStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return ` LIMIT ` + strconv.Itoa(limit)
}

func (s *sqlStore) DueItems(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM items WHERE status = 'pending' AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, id`+limitClause(limit),
		now.UnixMilli(),
	)
}

func (s *sqlStore) StuckItems(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM items WHERE status = 'publishing' AND claimed_at IS NOT NULL AND claimed_at < ?
		 ORDER BY claimed_at, id`+limitClause(limit),
		claimedBefore.UnixMilli(),
	)
}

// Transition performs the status change as UPDATE ... WHERE status = From. Losing
// the race (zero rows) returns publish.ErrStaleState.
func (s *sqlStore) Transition(ctx context.Context, id string, t Transition) (*publish.ScheduledItem, error) {
	if err := checkTransition(t); err != nil {
		return nil, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.getItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != "" && cur.UserID != t.UserID {
		return nil, publish.ErrNotFound
	}
	if cur.Status != t.From {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", publish.ErrStaleState, id, cur.Status, t.From)
	}
	if !t.DueBy.IsZero() && cur.NextAttemptAt.After(t.DueBy) {
		return nil, fmt.Errorf("%w: %s not due until %s", publish.ErrStaleState, id, cur.NextAttemptAt.Format(time.RFC3339))
	}

	results, err := encodeJSON(append(nonNilResults(cur.PublishResults), t.Results...))
	if err != nil {
		return nil, err
	}

	set := []string{"status = ?", "updated_at = ?", "results = ?"}
	args := []any{string(t.To), at.UnixMilli(), results}
	if t.To == publish.StatusPublishing {
		set = append(set, "claimed_at = ?")
		args = append(args, at.UnixMilli())
	}
	if t.From == publish.StatusPublishing {
		set = append(set, "retry_count = ?", "failure_reason = ?")
		args = append(args, t.RetryCount, string(t.FailureReason))
		if !t.NextAttemptAt.IsZero() {
			set = append(set, "next_attempt_at = ?")
			args = append(args, t.NextAttemptAt.UnixMilli())
		}
	}
	where := "id = ? AND status = ?"
	args = append(args, id, string(t.From))
	if !t.DueBy.IsZero() {
		where += " AND next_attempt_at <= ?"
		args = append(args, t.DueBy.UnixMilli())
	}

	res, err := s.exec(ctx, tx, `UPDATE items SET `+strings.Join(set, ", ")+` WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: transition %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s left %s", publish.ErrStaleState, id, t.From)
	}

	out, err := s.getItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) Reschedule(ctx context.Context, id, userID string, slot time.Time, at time.Time) (*publish.ScheduledItem, error) {
	if at.IsZero() {
		at = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.getItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && cur.UserID != userID {
		return nil, publish.ErrNotFound
	}
	if cur.Status != publish.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", publish.ErrNotPending, id, cur.Status)
	}

	res, err := s.exec(ctx, tx,
		`UPDATE items SET scheduled_time = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		slot.UnixMilli(), slot.UnixMilli(), at.UnixMilli(), id,
	)
	if err != nil {
		if isSlotViolation(err) {
			return nil, publish.ErrSlotTaken
		}
		return nil, fmt.Errorf("storage: reschedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s left pending", publish.ErrNotPending, id)
	}
	out, err := s.getItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) GetContent(ctx context.Context, ref string) (publish.Content, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT body FROM contents WHERE ref = ?`), ref).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return publish.Content{}, publish.ErrNotFound
	}
	if err != nil {
		return publish.Content{}, err
	}
	var c publish.Content
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return publish.Content{}, fmt.Errorf("storage: content %s: %w", ref, err)
	}
	return c, nil
}

func (s *sqlStore) PutConnection(ctx context.Context, userID string, c publish.PlatformConnection) error {
	c.Platform = c.Platform.Normalize()
	if c.Platform == "" {
		return fmt.Errorf("storage: connection platform required")
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO platform_connections(user_id, platform, is_active, credentials, account_username, account_display_name)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, platform) DO UPDATE SET
		   is_active = excluded.is_active,
		   credentials = excluded.credentials,
		   account_username = excluded.account_username,
		   account_display_name = excluded.account_display_name`,
		userID, string(c.Platform), c.IsActive, c.Credentials, c.AccountUsername, c.AccountDisplayName,
	)
	return err
}

func (s *sqlStore) UserConnections(ctx context.Context, userID string) ([]publish.PlatformConnection, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT platform, is_active, credentials, account_username, account_display_name
		 FROM platform_connections WHERE user_id = ? ORDER BY platform`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []publish.PlatformConnection
	for rows.Next() {
		var (
			c        publish.PlatformConnection
			platform string
		)
		if err := rows.Scan(&platform, &c.IsActive, &c.Credentials, &c.AccountUsername, &c.AccountDisplayName); err != nil {
			return nil, err
		}
		c.Platform = publish.PlatformID(platform)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO publish_audit(at, user_id, item_id, platform, platform_post_id, platform_url)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.UserID, e.ItemID, string(e.Platform), e.PlatformPostID, e.PlatformURL,
	)
	return err
}

func (s *sqlStore) AuditEntries(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	q := `SELECT at, user_id, item_id, platform, platform_post_id, platform_url FROM publish_audit`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY id DESC` + limitClause(limit)

	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			at       int64
			platform string
		)
		if err := rows.Scan(&at, &e.UserID, &e.ItemID, &platform, &e.PlatformPostID, &e.PlatformURL); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		e.Platform = publish.PlatformID(platform)
		out = append(out, e)
	}
	return out, rows.Err()
}
