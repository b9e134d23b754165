package memory

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteArtifactIndex provides the same catalog semantics as
// JSONArtifactIndex on a SQLite file, for deployments whose artifact volume
// makes a rewrite-the-snapshot index unreasonable.
type SQLiteArtifactIndex struct {
	dbPath string

	mu   sync.Mutex
	db   *sql.DB
	once sync.Once
	err  error
}

func NewSQLiteArtifactIndex(dbPath string) (*SQLiteArtifactIndex, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	x := &SQLiteArtifactIndex{dbPath: dbPath}
	// Initialize eagerly so callers fail fast.
	if err := x.init(); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *SQLiteArtifactIndex) init() error {
	x.once.Do(func() {
		db, err := sql.Open("sqlite", x.dbPath)
		if err != nil {
			x.err = err
			return
		}
		// Keep sqlite responsive under contention.
		_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
		_, _ = db.Exec("PRAGMA journal_mode = WAL;")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

		schema := []string{
			`CREATE TABLE IF NOT EXISTS artifacts (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				topic TEXT,
				session_id TEXT,
				token_estimate INTEGER NOT NULL DEFAULT 0,
				offloaded INTEGER NOT NULL DEFAULT 0,
				updated_at_ns INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id, updated_at_ns);`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(type);`,
		}
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				x.err = err
				return
			}
		}
		x.db = db
	})
	return x.err
}

func (x *SQLiteArtifactIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.db == nil {
		return nil
	}
	err := x.db.Close()
	x.db = nil
	return err
}

func (x *SQLiteArtifactIndex) Upsert(entry IndexEntry) error {
	if entry.ID == "" {
		return errors.New("index entry missing id")
	}
	if err := x.init(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	offloaded := 0
	if entry.Offloaded {
		offloaded = 1
	}
	_, err := x.db.Exec(`
		INSERT INTO artifacts (id, type, topic, session_id, token_estimate, offloaded, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			topic = excluded.topic,
			session_id = excluded.session_id,
			token_estimate = excluded.token_estimate,
			offloaded = excluded.offloaded,
			updated_at_ns = excluded.updated_at_ns;`,
		entry.ID, entry.Type, entry.Topic, entry.SessionID,
		entry.TokenEstimate, offloaded, time.Now().UnixNano())
	return err
}

func (x *SQLiteArtifactIndex) Get(id string) (IndexEntry, bool, error) {
	if err := x.init(); err != nil {
		return IndexEntry{}, false, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	row := x.db.QueryRow(`
		SELECT id, type, topic, session_id, token_estimate, offloaded, updated_at_ns
		FROM artifacts WHERE id = ?;`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return IndexEntry{}, false, nil
	}
	if err != nil {
		return IndexEntry{}, false, err
	}
	return entry, true, nil
}

func (x *SQLiteArtifactIndex) Query(q IndexQuery) ([]IndexEntry, error) {
	if err := x.init(); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	where := []string{"1=1"}
	var args []any
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if q.Topic != "" {
		where = append(where, "lower(topic) LIKE ?")
		args = append(args, "%"+strings.ToLower(q.Topic)+"%")
	}
	rows, err := x.db.Query(`
		SELECT id, type, topic, session_id, token_estimate, offloaded, updated_at_ns
		FROM artifacts WHERE `+strings.Join(where, " AND ")+`
		ORDER BY updated_at_ns DESC, id ASC;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (IndexEntry, error) {
	var e IndexEntry
	var topic, sessionID sql.NullString
	var offloaded int
	var updatedNS int64
	if err := r.Scan(&e.ID, &e.Type, &topic, &sessionID, &e.TokenEstimate, &offloaded, &updatedNS); err != nil {
		return IndexEntry{}, err
	}
	e.Topic = topic.String
	e.SessionID = sessionID.String
	e.Offloaded = offloaded != 0
	e.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return e, nil
}
