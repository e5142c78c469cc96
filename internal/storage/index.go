package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/media"
)

// ErrDuplicateEntry is returned when an entry with the same id is indexed twice.
var ErrDuplicateEntry = errors.New("media index entry already exists")

// IndexEntry is one row of the media index.
type IndexEntry struct {
	ID          string          `db:"id" json:"id"`
	Collection  string          `db:"collection" json:"collection"`
	Kind        string          `db:"kind" json:"kind"`
	ObjectKey   string          `db:"object_key" json:"object_key"`
	DisplayName string          `db:"display_name" json:"display_name"`
	ContentType string          `db:"content_type" json:"content_type"`
	SizeBytes   int64           `db:"size_bytes" json:"size_bytes"`
	DurationMS  sql.NullInt64   `db:"duration_ms" json:"duration_ms"`
	Width       sql.NullInt32   `db:"width" json:"width"`
	Height      sql.NullInt32   `db:"height" json:"height"`
	Latitude    sql.NullFloat64 `db:"latitude" json:"latitude"`
	Longitude   sql.NullFloat64 `db:"longitude" json:"longitude"`
	CapturedAt  time.Time       `db:"captured_at" json:"captured_at"`
	Metadata    json.RawMessage `db:"metadata" json:"metadata"`
}

// NewIndexEntry describes a published capture for the index.
func NewIndexEntry(collection, objectKey string, meta media.FileMetaData) IndexEntry {
	e := IndexEntry{
		ID:          meta.ID,
		Collection:  collection,
		Kind:        meta.Kind.String(),
		ObjectKey:   objectKey,
		DisplayName: displayName(meta),
		ContentType: meta.ContentType,
		SizeBytes:   meta.SizeBytes,
		CapturedAt:  meta.CapturedAt,
		Metadata:    json.RawMessage(`{}`),
	}
	if meta.Kind == media.KindVideo {
		e.DurationMS = sql.NullInt64{Int64: meta.DurationMillis(), Valid: true}
	}
	if meta.Width > 0 && meta.Height > 0 {
		e.Width = sql.NullInt32{Int32: int32(meta.Width), Valid: true}
		e.Height = sql.NullInt32{Int32: int32(meta.Height), Valid: true}
	}
	if meta.Location != nil {
		e.Latitude = sql.NullFloat64{Float64: meta.Location.Latitude, Valid: true}
		e.Longitude = sql.NullFloat64{Float64: meta.Location.Longitude, Valid: true}
		if raw, err := json.Marshal(map[string]float64{"altitude": meta.Location.Altitude}); err == nil {
			e.Metadata = raw
		}
	}
	return e
}

// MediaIndex catalogs captures published to a media index target.
type MediaIndex interface {
	Insert(ctx context.Context, entry IndexEntry) error
	Get(ctx context.Context, id string) (*IndexEntry, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"-"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"` // disable, require, verify-ca, verify-full
	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// Enabled reports whether a host and database were configured.
func (c PostgresConfig) Enabled() bool {
	return c.Host != "" && c.Database != ""
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}

// PostgresIndex implements MediaIndex on PostgreSQL.
type PostgresIndex struct {
	db     *sqlx.DB
	logger capturelog.Logger
}

// NewPostgresIndex opens the pool, pings the server and creates the schema.
func NewPostgresIndex(config PostgresConfig) (*PostgresIndex, error) {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	idx := NewPostgresIndexFromDB(db)
	if err := idx.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

// NewPostgresIndexFromDB wraps an existing pool without touching the schema.
func NewPostgresIndexFromDB(db *sqlx.DB) *PostgresIndex {
	return &PostgresIndex{
		db:     db,
		logger: capturelog.L().Named("postgres-index"),
	}
}

const mediaIndexSchema = `
CREATE TABLE IF NOT EXISTS media_index (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	kind TEXT NOT NULL,
	object_key TEXT NOT NULL,
	display_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT,
	width INTEGER,
	height INTEGER,
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	captured_at TIMESTAMPTZ NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_media_index_collection ON media_index(collection, captured_at DESC);
`

func (s *PostgresIndex) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, mediaIndexSchema)
	return err
}

const insertEntryQuery = `
INSERT INTO media_index (
	id, collection, kind, object_key, display_name, content_type, size_bytes,
	duration_ms, width, height, latitude, longitude, captured_at, metadata
) VALUES (
	:id, :collection, :kind, :object_key, :display_name, :content_type, :size_bytes,
	:duration_ms, :width, :height, :latitude, :longitude, :captured_at, :metadata
)`

func (s *PostgresIndex) Insert(ctx context.Context, entry IndexEntry) error {
	if len(entry.Metadata) == 0 {
		entry.Metadata = json.RawMessage(`{}`)
	}
	if _, err := s.db.NamedExecContext(ctx, insertEntryQuery, entry); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.ID)
		}
		return fmt.Errorf("failed to insert media index entry: %w", err)
	}

	s.logger.Debug("Media indexed",
		capturelog.String("id", entry.ID),
		capturelog.String("collection", entry.Collection),
		capturelog.Int64("size", entry.SizeBytes))
	return nil
}

func (s *PostgresIndex) Get(ctx context.Context, id string) (*IndexEntry, error) {
	var entry IndexEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT id, collection, kind, object_key, display_name, content_type, size_bytes,
		       duration_ms, width, height, latitude, longitude, captured_at, metadata
		FROM media_index WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StorageError{Op: "index_get", Key: id, Err: err, StatusCode: 404}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media index entry: %w", err)
	}
	return &entry, nil
}

func (s *PostgresIndex) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresIndex) Close() error {
	return s.db.Close()
}

func displayName(meta media.FileMetaData) string {
	if meta.Path != "" {
		return filepath.Base(meta.Path)
	}
	return meta.ID + meta.Kind.Extension()
}
