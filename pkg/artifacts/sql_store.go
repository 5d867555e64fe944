package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/database"
)

const artifactColumns = `id, content, blob_ref, created_by, created_at, updated_at, size_bytes,
	access_contract_id, has_standing, has_loop, can_execute, cache_ttl_ms, charged_to`

// SQLStore persists artifacts in the "artifacts" table. Content larger than
// the inline limit is offloaded to an optional BlobStore and the row keeps
// only its reference.
type SQLStore struct {
	db          *database.DB
	blobs       BlobStore
	inlineLimit int64
	logger      *slog.Logger

	// blobMu orders blob writes against blob garbage collection.
	blobMu sync.Mutex
}

type SQLStoreOption func(*SQLStore)

// WithBlobStore offloads content above inlineLimit bytes to blobs.
func WithBlobStore(blobs BlobStore, inlineLimit int64) SQLStoreOption {
	return func(s *SQLStore) {
		s.blobs = blobs
		s.inlineLimit = inlineLimit
	}
}

func WithLogger(l *slog.Logger) SQLStoreOption {
	return func(s *SQLStore) { s.logger = l }
}

func NewSQLStore(db *database.DB, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the artifacts table.
func (s *SQLStore) Init(ctx context.Context) error {
	blobType := "BLOB"
	if s.db.Dialect == database.Postgres {
		blobType = "BYTEA"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS artifacts (
		id                 TEXT PRIMARY KEY,
		content            %s,
		blob_ref           TEXT NOT NULL DEFAULT '',
		created_by         TEXT NOT NULL,
		created_at         BIGINT NOT NULL,
		updated_at         BIGINT NOT NULL,
		size_bytes         BIGINT NOT NULL DEFAULT 0,
		access_contract_id TEXT NOT NULL DEFAULT '',
		has_standing       BOOLEAN NOT NULL DEFAULT FALSE,
		has_loop           BOOLEAN NOT NULL DEFAULT FALSE,
		can_execute        BOOLEAN NOT NULL DEFAULT FALSE,
		cache_ttl_ms       BIGINT,
		charged_to         TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_blob_ref ON artifacts(blob_ref);
	`, blobType)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init artifacts schema: %w", err)
	}
	return nil
}

// body splits content into the inline column value and a blob reference.
func (s *SQLStore) body(ctx context.Context, content []byte) ([]byte, string, error) {
	if s.blobs == nil || int64(len(content)) <= s.inlineLimit {
		return content, "", nil
	}
	ref, err := s.blobs.Put(ctx, content)
	if err != nil {
		return nil, "", fmt.Errorf("offload content: %w", err)
	}
	return nil, ref, nil
}

func cacheTTL(p *CachePolicy) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: p.TTL.Milliseconds(), Valid: true}
}

func (s *SQLStore) Create(ctx context.Context, a *Artifact) error {
	s.blobMu.Lock()
	defer s.blobMu.Unlock()

	inline, ref, err := s.body(ctx, a.Content)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, inline, ref, a.Creator, a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(), int64(len(a.Content)),
		a.AccessContractID, a.HasStanding, a.HasLoop, a.CanExecute, cacheTTL(a.CachePolicy), a.ChargedTo,
	)
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", a.ID, err)
	}
	if n == 0 {
		s.collectBlob(ctx, ref)
		return ErrCollision
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, a *Artifact) error {
	s.blobMu.Lock()
	defer s.blobMu.Unlock()

	var oldRef string
	err := s.db.QueryRowContext(ctx, `SELECT blob_ref FROM artifacts WHERE id = $1`, a.ID).Scan(&oldRef)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", a.ID, err)
	}

	inline, ref, err := s.body(ctx, a.Content)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET
			content = $2, blob_ref = $3, updated_at = $4, size_bytes = $5,
			access_contract_id = $6, has_standing = $7, has_loop = $8, can_execute = $9,
			cache_ttl_ms = $10, charged_to = $11
		WHERE id = $1`,
		a.ID, inline, ref, a.UpdatedAt.UnixNano(), int64(len(a.Content)),
		a.AccessContractID, a.HasStanding, a.HasLoop, a.CanExecute, cacheTTL(a.CachePolicy), a.ChargedTo,
	)
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", a.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.collectBlob(ctx, ref)
		return ErrNotFound
	}
	if oldRef != ref {
		s.collectBlob(ctx, oldRef)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id)

	var (
		a                  Artifact
		ref                string
		createdAt, updated int64
		ttl                sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Content, &ref, &a.Creator, &createdAt, &updated, &a.SizeBytes,
		&a.AccessContractID, &a.HasStanding, &a.HasLoop, &a.CanExecute, &ttl, &a.ChargedTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", id, err)
	}

	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updated).UTC()
	if ttl.Valid {
		a.CachePolicy = &CachePolicy{TTL: time.Duration(ttl.Int64) * time.Millisecond}
	}
	if ref != "" {
		if s.blobs == nil {
			return nil, fmt.Errorf("get artifact %s: content offloaded to %s but no blob store configured", id, ref)
		}
		content, err := s.blobs.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("get artifact %s: %w", id, err)
		}
		a.Content = content
	}
	if a.Content == nil {
		a.Content = []byte{}
	}
	return &a, nil
}

func (s *SQLStore) Load(ctx context.Context, id string) ([]byte, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Content, nil
}

func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return true, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	s.blobMu.Lock()
	defer s.blobMu.Unlock()

	var ref string
	err := s.db.QueryRowContext(ctx, `SELECT blob_ref FROM artifacts WHERE id = $1`, id).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete artifact %s: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete artifact %s: %w", id, err)
	}
	s.collectBlob(ctx, ref)
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_by, created_at, updated_at, size_bytes, access_contract_id,
			has_standing, has_loop, can_execute, cache_ttl_ms, charged_to
		FROM artifacts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Metadata
	for rows.Next() {
		var (
			md                 Metadata
			createdAt, updated int64
			ttl                sql.NullInt64
		)
		if err := rows.Scan(&md.ID, &md.Creator, &createdAt, &updated, &md.SizeBytes, &md.AccessContractID,
			&md.HasStanding, &md.HasLoop, &md.CanExecute, &ttl, &md.ChargedTo); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		md.CreatedAt = time.Unix(0, createdAt).UTC()
		md.UpdatedAt = time.Unix(0, updated).UTC()
		if ttl.Valid {
			md.CachePolicy = &CachePolicy{TTL: time.Duration(ttl.Int64) * time.Millisecond}
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

// collectBlob deletes ref once no artifact row references it. Callers hold blobMu.
func (s *SQLStore) collectBlob(ctx context.Context, ref string) {
	if ref == "" || s.blobs == nil {
		return
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE blob_ref = $1`, ref).Scan(&n); err != nil {
		s.logger.Warn("blob gc: count references", "ref", ref, "error", err)
		return
	}
	if n > 0 {
		return
	}
	if err := s.blobs.Delete(ctx, ref); err != nil {
		s.logger.Warn("blob gc: delete", "ref", ref, "error", err)
	}
}
