package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"habitbot/internal/habit"
	"habitbot/internal/notification"
	logx "habitbot/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// sqlStore implements Store on database/sql for both sqlite and postgres.
// Queries are written with "?" placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string // "sqlite3" | "postgres"
}

func newSQLStore(db *sql.DB, dialect string, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, log: log, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate() error {
	dir := "migrations/sqlite"
	if s.dialect == "postgres" {
		dir = "migrations/postgres"
	}
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: s.log})
	if err := goose.SetDialect(s.dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(s.db, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	return rebind(query)
}

// rebind turns "?" placeholders into "$1", "$2", ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const habitCols = `id, owner_id, place, time_of_day, action, duration, periodicity, days,
	is_nice, related_id, prize, is_public, active, created_at, updated_at`

func (s *sqlStore) GetHabit(ctx context.Context, id habit.ID) (habit.Habit, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+habitCols+` FROM habits WHERE id = ?`), int64(id))
	h, err := scanHabit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return habit.Habit{}, habit.ErrHabitNotFound
	}
	if err != nil {
		return habit.Habit{}, fmt.Errorf("get habit %d: %w", id, err)
	}
	return h, nil
}

func (s *sqlStore) CreateHabit(ctx context.Context, h habit.Habit) (habit.Habit, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO habits(owner_id, place, time_of_day, action, duration, periodicity, days,
			is_nice, related_id, prize, is_public, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		int64(h.OwnerID), h.Place, todSeconds(h.Time), h.Action, h.Duration, h.Periodicity, int(h.Days),
		h.IsNice, nullID(h.Related), nullStr(h.Prize), h.IsPublic, h.Active, toMillis(h.CreatedAt), toMillis(h.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return habit.Habit{}, fmt.Errorf("create habit: %w", err)
	}
	h.ID = habit.ID(id)
	return h, nil
}

func (s *sqlStore) UpdateHabit(ctx context.Context, h habit.Habit) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE habits SET owner_id=?, place=?, time_of_day=?, action=?, duration=?, periodicity=?, days=?,
			is_nice=?, related_id=?, prize=?, is_public=?, active=?, updated_at=?
		 WHERE id = ?`),
		int64(h.OwnerID), h.Place, todSeconds(h.Time), h.Action, h.Duration, h.Periodicity, int(h.Days),
		h.IsNice, nullID(h.Related), nullStr(h.Prize), h.IsPublic, h.Active, toMillis(h.UpdatedAt), int64(h.ID),
	)
	if err != nil {
		return fmt.Errorf("update habit %d: %w", h.ID, err)
	}
	return expectRow(res, habit.ErrHabitNotFound)
}

func (s *sqlStore) DeleteHabit(ctx context.Context, id habit.ID) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM habits WHERE id = ?`), int64(id))
	if err != nil {
		return fmt.Errorf("delete habit %d: %w", id, err)
	}
	return expectRow(res, habit.ErrHabitNotFound)
}

func (s *sqlStore) ActiveHabits(ctx context.Context) ([]habit.Habit, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+habitCols+` FROM habits WHERE active = ? ORDER BY id`), true)
	if err != nil {
		return nil, fmt.Errorf("list active habits: %w", err)
	}
	defer rows.Close()
	var out []habit.Habit
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetUser(ctx context.Context, id habit.UserID) (habit.User, error) {
	u := habit.User{ID: id}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT channel_id, utc_offset_hours FROM users WHERE id = ?`), int64(id)).
		Scan(&u.ChannelID, &u.UTCOffsetHours)
	if errors.Is(err, sql.ErrNoRows) {
		return habit.User{}, habit.ErrUserNotFound
	}
	if err != nil {
		return habit.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

func (s *sqlStore) PutUser(ctx context.Context, u habit.User) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO users(id, channel_id, utc_offset_hours) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET channel_id=excluded.channel_id, utc_offset_hours=excluded.utc_offset_hours`),
		int64(u.ID), u.ChannelID, u.UTCOffsetHours,
	)
	if err != nil {
		return fmt.Errorf("put user %d: %w", u.ID, err)
	}
	return nil
}

const recCols = `habit_id, slot, status, attempts, last_attempt_at, next_attempt_at,
	claim_token, claimed_at, last_error, created_at, updated_at`

func (s *sqlStore) Latest(ctx context.Context, id habit.ID) (notification.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recCols+` FROM notifications WHERE habit_id = ? ORDER BY slot DESC LIMIT 1`), int64(id))
	return oneRecord(row)
}

func (s *sqlStore) GetNotification(ctx context.Context, key notification.Key) (notification.Record, bool, error) {
	key = normKey(key)
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recCols+` FROM notifications WHERE habit_id = ? AND slot = ?`),
		int64(key.HabitID), toMillis(key.Slot))
	return oneRecord(row)
}

func (s *sqlStore) Claim(ctx context.Context, key notification.Key, token string, now time.Time) (notification.Record, bool, error) {
	key = normKey(key)
	fresh := notification.NewRecord(key, now)
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO notifications(habit_id, slot, status, created_at, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(habit_id, slot) DO NOTHING`),
		int64(key.HabitID), toMillis(key.Slot), string(fresh.Status), toMillis(fresh.CreatedAt), toMillis(fresh.UpdatedAt),
	); err != nil {
		return notification.Record{}, false, fmt.Errorf("insert slot %s: %w", key, err)
	}

	cur, ok, err := s.GetNotification(ctx, key)
	if err != nil {
		return notification.Record{}, false, err
	}
	if !ok {
		return notification.Record{}, false, fmt.Errorf("slot %s vanished after insert", key)
	}
	next, err := notification.Claim(cur, token, now)
	if err != nil {
		return cur, false, nil
	}

	// The attempt count fences the CAS: a Pending record that was claimed
	// and failed in between carries a higher count.
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notifications SET status=?, attempts=?, last_attempt_at=?, claim_token=?, claimed_at=?, updated_at=?
		 WHERE habit_id=? AND slot=? AND status=? AND attempts=?`),
		string(next.Status), next.Attempts, toMillis(next.LastAttemptAt), next.ClaimToken, toMillis(next.ClaimedAt), toMillis(next.UpdatedAt),
		int64(key.HabitID), toMillis(key.Slot), string(notification.Pending), cur.Attempts,
	)
	if err != nil {
		return cur, false, fmt.Errorf("claim slot %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return cur, false, err
	}
	if n != 1 {
		return cur, false, nil
	}
	return next, true, nil
}

func (s *sqlStore) Finish(ctx context.Context, rec notification.Record) (bool, error) {
	key := normKey(rec.Key)
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notifications SET status=?, attempts=?, last_attempt_at=?, next_attempt_at=?, claimed_at=?,
			last_error=?, updated_at=?
		 WHERE habit_id=? AND slot=? AND status=? AND claim_token=?`),
		string(rec.Status), rec.Attempts, toMillis(rec.LastAttemptAt), toMillis(rec.NextAttemptAt), toMillis(rec.ClaimedAt),
		rec.LastError, toMillis(rec.UpdatedAt),
		int64(key.HabitID), toMillis(key.Slot), string(notification.Sending), rec.ClaimToken,
	)
	if err != nil {
		return false, fmt.Errorf("finish slot %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) InFlight(ctx context.Context, claimedBefore time.Time) ([]notification.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+recCols+` FROM notifications WHERE status = ? AND claimed_at < ? ORDER BY slot`),
		string(notification.Sending), toMillis(claimedBefore))
	if err != nil {
		return nil, fmt.Errorf("list in-flight: %w", err)
	}
	return collectRecords(rows)
}

func (s *sqlStore) ListDead(ctx context.Context, limit int) ([]notification.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+recCols+` FROM notifications WHERE status = ? ORDER BY slot DESC, habit_id LIMIT ?`),
		string(notification.Dead), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list dead: %w", err)
	}
	return collectRecords(rows)
}

func (s *sqlStore) ListByHabit(ctx context.Context, id habit.ID, limit int) ([]notification.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+recCols+` FROM notifications WHERE habit_id = ? ORDER BY slot DESC LIMIT ?`),
		int64(id), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list habit %d notifications: %w", id, err)
	}
	return collectRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHabit(sc scanner) (habit.Habit, error) {
	var (
		h                    habit.Habit
		id, owner            int64
		tod                  int64
		days                 int
		related              sql.NullInt64
		prize                sql.NullString
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&id, &owner, &h.Place, &tod, &h.Action, &h.Duration, &h.Periodicity, &days,
		&h.IsNice, &related, &prize, &h.IsPublic, &h.Active, &createdAt, &updatedAt); err != nil {
		return habit.Habit{}, err
	}
	h.ID = habit.ID(id)
	h.OwnerID = habit.UserID(owner)
	h.Time = habit.TimeOfDay(time.Duration(tod) * time.Second)
	h.Days = habit.WeekdayMask(days) & habit.AllDays
	if related.Valid {
		h.Related = habit.ID(related.Int64)
	}
	if prize.Valid {
		h.Prize = prize.String
	}
	h.CreatedAt = fromMillis(createdAt)
	h.UpdatedAt = fromMillis(updatedAt)
	return h, nil
}

func scanRecord(sc scanner) (notification.Record, error) {
	var (
		r                                 notification.Record
		habitID, slot                     int64
		status                            string
		lastAttempt, nextAttempt, claimed int64
		createdAt, updatedAt              int64
	)
	if err := sc.Scan(&habitID, &slot, &status, &r.Attempts, &lastAttempt, &nextAttempt,
		&r.ClaimToken, &claimed, &r.LastError, &createdAt, &updatedAt); err != nil {
		return notification.Record{}, err
	}
	st, err := notification.ParseStatus(status)
	if err != nil {
		return notification.Record{}, err
	}
	r.Key = notification.NewKey(habit.ID(habitID), fromMillis(slot))
	r.Status = st
	r.LastAttemptAt = fromMillis(lastAttempt)
	r.NextAttemptAt = fromMillis(nextAttempt)
	r.ClaimedAt = fromMillis(claimed)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}

func oneRecord(row *sql.Row) (notification.Record, bool, error) {
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Record{}, false, nil
	}
	if err != nil {
		return notification.Record{}, false, err
	}
	return r, true, nil
}

func collectRecords(rows *sql.Rows) ([]notification.Record, error) {
	defer rows.Close()
	var out []notification.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func todSeconds(t habit.TimeOfDay) int64 { return int64(t.Duration() / time.Second) }

func nullID(id habit.ID) any {
	if id == 0 {
		return nil
	}
	return int64(id)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// gooseLogger routes goose output through logx.
type gooseLogger struct {
	log logx.Logger
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
