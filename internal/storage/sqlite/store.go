package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/storage"

	_ "modernc.org/sqlite"
)

const (
	catalogSchema = `
CREATE TABLE IF NOT EXISTS event_types (
	name TEXT PRIMARY KEY,
	topic TEXT,
	created_at_utc_ns INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS topic_partitions (
	topic TEXT NOT NULL,
	partition_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	created_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (topic, partition_id)
);
`
	entriesSchema = `
CREATE TABLE IF NOT EXISTS entries (
	entry_offset INTEGER PRIMARY KEY AUTOINCREMENT,
	payload BLOB NOT NULL,
	appended_at_utc_ns INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS trg_entries_no_update
BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_entries_no_delete
BEFORE DELETE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: DELETE forbidden');
END;
`
)

// Store persists the event type catalog and topic partitions in SQLite.
// Every topic partition is its own WAL database file.
type Store struct {
	baseDir string
	now     func() time.Time

	mu         sync.Mutex
	catalog    *sql.DB
	partitions map[string]*sql.DB
	known      map[string]struct{}
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{
		baseDir:    baseDir,
		now:        time.Now,
		partitions: make(map[string]*sql.DB),
		known:      make(map[string]struct{}),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			errs = append(errs, err)
		}
		s.catalog = nil
	}
	for k, db := range s.partitions {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.partitions, k)
	}
	return errors.Join(errs...)
}

func (s *Store) SaveEventType(ctx context.Context, et domain.EventType) error {
	db, err := s.catalogDB()
	if err != nil {
		return err
	}
	now := s.now().UTC().UnixNano()
	_, err = db.ExecContext(ctx, `
INSERT INTO event_types(name, topic, created_at_utc_ns, updated_at_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET topic=excluded.topic, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		string(et.Name), nullableString(string(et.Topic)), now, now)
	return err
}

func (s *Store) DeleteEventType(ctx context.Context, name domain.EventTypeName) (bool, error) {
	db, err := s.catalogDB()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM event_types WHERE name=?`, string(name))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ListEventTypes(ctx context.Context) ([]domain.EventType, error) {
	db, err := s.catalogDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT name, topic, created_at_utc_ns, updated_at_utc_ns
FROM event_types
ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EventType
	for rows.Next() {
		var name string
		var topic sql.NullString
		var created, updated int64
		if err := rows.Scan(&name, &topic, &created, &updated); err != nil {
			return nil, err
		}
		out = append(out, domain.EventType{
			Name:      domain.EventTypeName(name),
			Topic:     domain.TopicName(topic.String),
			CreatedAt: time.Unix(0, created).UTC(),
			UpdatedAt: time.Unix(0, updated).UTC(),
		})
	}
	return out, rows.Err()
}

// CreateTopic records the partitions of topic and creates their databases.
// Calling it again adds new partitions and leaves existing ones untouched.
func (s *Store) CreateTopic(ctx context.Context, topic domain.TopicName, partitions []domain.PartitionID) error {
	if strings.TrimSpace(string(topic)) == "" {
		return fmt.Errorf("create topic: name is required")
	}
	if len(partitions) == 0 {
		return fmt.Errorf("create topic %q: no partitions", topic)
	}
	db, err := s.catalogDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC().UnixNano()
	for i, p := range partitions {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO topic_partitions(topic, partition_id, position, created_at_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(topic, partition_id) DO NOTHING`, string(topic), string(p), i, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, p := range partitions {
		if _, err := s.partitionDB(topic, p); err != nil {
			return err
		}
	}
	return nil
}

// Topics returns every topic with its partitions in creation order.
func (s *Store) Topics(ctx context.Context) (map[domain.TopicName][]domain.PartitionID, error) {
	db, err := s.catalogDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT topic, partition_id FROM topic_partitions ORDER BY topic, position, partition_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.TopicName][]domain.PartitionID{}
	for rows.Next() {
		var topic, p string
		if err := rows.Scan(&topic, &p); err != nil {
			return nil, err
		}
		out[domain.TopicName(topic)] = append(out[domain.TopicName(topic)], domain.PartitionID(p))
	}
	return out, rows.Err()
}

func (s *Store) Append(ctx context.Context, topic domain.TopicName, partition domain.PartitionID, payload []byte) error {
	if err := s.checkPartition(ctx, topic, partition); err != nil {
		return err
	}
	db, err := s.partitionDB(topic, partition)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = []byte{}
	}
	_, err = db.ExecContext(ctx, `INSERT INTO entries(payload, appended_at_utc_ns) VALUES(?, ?)`, payload, s.now().UTC().UnixNano())
	return err
}

func (s *Store) ReadPartition(ctx context.Context, topic domain.TopicName, partition domain.PartitionID) ([]domain.Entry, error) {
	if err := s.checkPartition(ctx, topic, partition); err != nil {
		return nil, err
	}
	db, err := s.partitionDB(topic, partition)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT entry_offset, payload, appended_at_utc_ns FROM entries ORDER BY entry_offset ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Entry
	for rows.Next() {
		item := domain.Entry{Topic: topic, Partition: partition}
		if err := rows.Scan(&item.Offset, &item.Payload, &item.AppendedAtNs); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) Health(ctx context.Context) (bool, string) {
	db, err := s.catalogDB()
	if err != nil {
		return false, err.Error()
	}
	if err := db.PingContext(ctx); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

func (s *Store) checkPartition(ctx context.Context, topic domain.TopicName, partition domain.PartitionID) error {
	k := partitionKey(topic, partition)
	s.mu.Lock()
	_, ok := s.known[k]
	s.mu.Unlock()
	if ok {
		return nil
	}

	db, err := s.catalogDB()
	if err != nil {
		return err
	}
	var topicPartitions, matches int
	err = db.QueryRowContext(ctx, `
SELECT count(*), coalesce(sum(partition_id = ?), 0)
FROM topic_partitions
WHERE topic=?`, string(partition), string(topic)).Scan(&topicPartitions, &matches)
	if err != nil {
		return err
	}
	if topicPartitions == 0 {
		return fmt.Errorf("%w: %s", storage.ErrUnknownTopic, topic)
	}
	if matches == 0 {
		return fmt.Errorf("%w: %s/%s", storage.ErrInvalidPartition, topic, partition)
	}

	s.mu.Lock()
	s.known[k] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Store) catalogDB() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog != nil {
		return s.catalog, nil
	}
	db, err := openSQLite(filepath.Join(s.baseDir, "catalog.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.catalog = db
	return db, nil
}

func (s *Store) partitionDB(topic domain.TopicName, partition domain.PartitionID) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := partitionKey(topic, partition)
	if db, ok := s.partitions[k]; ok {
		return db, nil
	}
	db, err := openSQLite(filepath.Join(s.baseDir, partitionFile(topic, partition)))
	if err != nil {
		return nil, err
	}
	// one writer per partition file
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(entriesSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.partitions[k] = db
	return db, nil
}

// connPragmas are applied by the driver to every pooled connection.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(FULL)",
	"foreign_keys(1)",
}

func sqliteDSN(path string) string {
	q := url.Values{"_pragma": connPragmas}
	return path + "?" + q.Encode()
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func partitionKey(topic domain.TopicName, partition domain.PartitionID) string {
	return string(topic) + "\x00" + string(partition)
}

// partitionFile derives a filesystem-safe name. Topic and partition ids are
// opaque, so the readable part is sanitized and an FNV suffix keeps distinct
// ids from colliding.
func partitionFile(topic domain.TopicName, partition domain.PartitionID) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey(topic, partition)))
	return fmt.Sprintf("topic-%s-p%s-%08x.db", sanitize(string(topic)), sanitize(string(partition)), h.Sum32())
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() > 64 {
		return b.String()[:64]
	}
	return b.String()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var (
	_ storage.TopicStore   = (*Store)(nil)
	_ storage.TopicCreator = (*Store)(nil)
)
