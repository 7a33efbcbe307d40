package broadcast

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Defaults for SQLiteMedium.
const (
	DefaultPollInterval = 25 * time.Millisecond
	DefaultRetention    = time.Minute
)

// SQLiteMedium is a cross-process Medium backed by a shared SQLite file.
//
// Publish appends a row. Each subscription polls for rows on its channel
// newer than its cursor, which starts at the newest row when the
// subscription is made; history is never replayed. Rows older than the
// retention window are pruned on publish.
type SQLiteMedium struct {
	db        *sql.DB
	path      string
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	mu     sync.Mutex
	subs   map[uint64]context.CancelFunc
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// SQLiteOption configures a SQLiteMedium.
type SQLiteOption func(*SQLiteMedium)

// WithPollInterval sets how often subscribers look for new rows.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(m *SQLiteMedium) { m.interval = d }
}

// WithRetention sets how long rows are kept before pruning.
func WithRetention(d time.Duration) SQLiteOption {
	return func(m *SQLiteMedium) { m.retention = d }
}

// WithSQLiteClock sets the clock used to stamp and prune rows.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(m *SQLiteMedium) { m.now = now }
}

// OpenSQLite opens or creates the medium at path.
//
// The database is configured with WAL mode so readers in other processes
// are not blocked by a writer, and a busy timeout for lock contention.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteMedium, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	m := &SQLiteMedium{
		db:        db,
		path:      path,
		interval:  DefaultPollInterval,
		retention: DefaultRetention,
		now:       time.Now,
		subs:      make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}

	slog.Debug("broadcast sqlite medium opened", "path", path)
	return m, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Publish appends data to channel and prunes expired rows.
func (m *SQLiteMedium) Publish(channel string, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	now := m.now()
	if _, err := m.db.Exec(
		"INSERT INTO messages (channel, data, created_at) VALUES (?, ?, ?)",
		channel, data, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("publish on %q: %w", channel, err)
	}

	if _, err := m.prune(now); err != nil {
		slog.Warn("broadcast prune failed", "path", m.path, "error", err)
	}
	return nil
}

// Prune deletes rows older than the retention window and returns how many
// were removed.
func (m *SQLiteMedium) Prune() (int64, error) {
	return m.prune(m.now())
}

func (m *SQLiteMedium) prune(now time.Time) (int64, error) {
	cutoff := now.Add(-m.retention).UnixMilli()
	res, err := m.db.Exec("DELETE FROM messages WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Subscribe starts polling channel for rows published from now on.
func (m *SQLiteMedium) Subscribe(channel string, fn func([]byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	var cursor int64
	if err := m.db.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE channel = ?", channel,
	).Scan(&cursor); err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.nextID++
	id := m.nextID
	m.subs[id] = cancel

	m.wg.Add(1)
	go m.poll(ctx, channel, cursor, fn)

	return func() {
		m.mu.Lock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			c()
		}
		m.mu.Unlock()
	}, nil
}

func (m *SQLiteMedium) poll(ctx context.Context, channel string, cursor int64, fn func([]byte)) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := m.readSince(ctx, channel, cursor, fn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("broadcast poll failed", "path", m.path, "channel", channel, "error", err)
			continue
		}
		cursor = next
	}
}

// readSince delivers rows after cursor in order and returns the new cursor.
func (m *SQLiteMedium) readSince(ctx context.Context, channel string, cursor int64, fn func([]byte)) (int64, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT seq, data FROM messages WHERE channel = ? AND seq > ? ORDER BY seq",
		channel, cursor,
	)
	if err != nil {
		return cursor, err
	}

	type row struct {
		seq  int64
		data []byte
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.seq, &r.data); err != nil {
			rows.Close()
			return cursor, err
		}
		batch = append(batch, r)
	}
	if err := rows.Close(); err != nil {
		return cursor, err
	}
	if err := rows.Err(); err != nil {
		return cursor, err
	}

	// Deliver after the rows are released so fn may publish.
	for _, r := range batch {
		if ctx.Err() != nil {
			return cursor, nil
		}
		fn(r.data)
		cursor = r.seq
	}
	return cursor, nil
}

// Close stops every subscription and closes the database. It is idempotent.
func (m *SQLiteMedium) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, cancel := range m.subs {
		cancel()
		delete(m.subs, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return m.db.Close()
}
