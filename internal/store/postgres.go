package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-images/internal/db"
	"github.com/sells-group/listing-images/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	tables  Tables
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, tables Tables, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = min(minConns, maxConns)
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, tables: tables, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership.
func NewPostgresWithPool(pool db.Pool, tables Tables) *PostgresStore {
	return &PostgresStore{pool: pool, tables: tables}
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) providers() string { return db.SanitizeTable(s.tables.Providers) }
func (s *PostgresStore) images() string    { return db.SanitizeTable(s.tables.Images) }

// CountProviders counts live providers with id > afterID.
func (s *PostgresStore) CountProviders(ctx context.Context, afterID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE deleted_at IS NULL AND id > $1`, s.providers()),
		afterID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count providers")
	}
	return n, nil
}

// ListProviders returns the next page of live providers in id order.
func (s *PostgresStore) ListProviders(ctx context.Context, afterID int64, limit int) ([]model.Provider, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, COALESCE(logo_url, ''), COALESCE(gallery_urls, ''), hero_image_url
			FROM %s WHERE deleted_at IS NULL AND id > $1 ORDER BY id LIMIT $2`, s.providers()),
		afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list providers")
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.LogoURL, &p.GalleryURLs, &p.HeroImageURL); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate providers")
}

// SetProviderHeroURL writes the denormalized hero URL; nil clears it.
func (s *PostgresStore) SetProviderHeroURL(ctx context.Context, providerID int64, url *string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET hero_image_url = $1 WHERE id = $2`, s.providers()),
		url, providerID,
	)
	return eris.Wrapf(err, "postgres: set hero url for provider %d", providerID)
}

// OverriddenImages returns the admin-overridden rows of the given providers.
func (s *PostgresStore) OverriddenImages(ctx context.Context, providerIDs []int64) (model.OverrideSet, error) {
	set := make(model.OverrideSet)
	if len(providerIDs) == 0 {
		return set, nil
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT provider_id, image_url, is_hero FROM %s
			WHERE review_status = $1 AND provider_id = ANY($2)`, s.images()),
		string(model.ReviewAdminOverridden), providerIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list overridden images")
	}
	defer rows.Close()

	for rows.Next() {
		var k model.ImageKey
		var hero bool
		if err := rows.Scan(&k.ProviderID, &k.ImageURL, &hero); err != nil {
			return nil, eris.Wrap(err, "postgres: scan overridden image")
		}
		set[k] = hero
	}
	return set, eris.Wrap(rows.Err(), "postgres: iterate overridden images")
}

// UpsertImages bulk-upserts recs through a temp table and COPY.
func (s *PostgresStore) UpsertImages(ctx context.Context, recs []model.ImageMetadataRecord) (int64, error) {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = imageValues(r)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        s.tables.Images,
		Columns:      imageColumns,
		ConflictKeys: imageConflictKeys,
		UpdateCols:   imageUpdateColumns,
		UpdateWhere:  s.overrideGuard(),
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert images")
	}
	return n, nil
}

// overrideGuard references the existing row by the unqualified table name,
// which is how ON CONFLICT ... WHERE sees the target.
func (s *PostgresStore) overrideGuard() string {
	name := s.tables.Images
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return fmt.Sprintf(`%s."review_status" <> '%s'`, db.SanitizeTable(name), model.ReviewAdminOverridden)
}

// MarkHero flags imageURL as hero and clears every other non-overridden hero
// of the provider in one statement.
func (s *PostgresStore) MarkHero(ctx context.Context, providerID int64, imageURL string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET is_hero = (image_url = $2)
			WHERE provider_id = $1 AND review_status <> $3 AND (is_hero OR image_url = $2)`, s.images()),
		providerID, imageURL, string(model.ReviewAdminOverridden),
	)
	return eris.Wrapf(err, "postgres: mark hero for provider %d", providerID)
}

// ListLowConfidence returns the next keyset page of vision candidates.
func (s *PostgresStore) ListLowConfidence(ctx context.Context, threshold float64, after Cursor, limit int) ([]model.ImageMetadataRecord, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE classification_confidence < $1 AND is_accessible AND review_status <> $2
			AND classification_method <> $3
			AND (classification_confidence, provider_id, image_url) > ($4, $5, $6)
			ORDER BY classification_confidence, provider_id, image_url LIMIT $7`,
			strings.Join(imageColumns, ", "), s.images()),
		threshold, string(model.ReviewAdminOverridden), model.MethodVisionAI,
		after.Confidence, after.ProviderID, after.ImageURL, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list low confidence images")
	}
	defer rows.Close()

	var out []model.ImageMetadataRecord
	for rows.Next() {
		r, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate low confidence images")
}

// UpdateClassification writes a vision verdict unless the row is overridden.
func (s *PostgresStore) UpdateClassification(ctx context.Context, u model.VisionUpdate) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET image_type = $1, classification_method = $2,
			classification_confidence = $3, quality_score = $4
			WHERE provider_id = $5 AND image_url = $6 AND review_status <> $7`, s.images()),
		string(u.ImageType), model.MethodVisionAI, u.Confidence, u.QualityScore,
		u.ProviderID, u.ImageURL, string(model.ReviewAdminOverridden),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update classification %d %s", u.ProviderID, u.ImageURL)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAccessibleImages returns every accessible row of the provider,
// overridden rows included.
func (s *PostgresStore) ListAccessibleImages(ctx context.Context, providerID int64) ([]model.ImageMetadataRecord, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE provider_id = $1 AND is_accessible ORDER BY image_url`,
			strings.Join(imageColumns, ", "), s.images()),
		providerID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list images for provider %d", providerID)
	}
	defer rows.Close()

	var out []model.ImageMetadataRecord
	for rows.Next() {
		r, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate provider images")
}

// ListHeroless returns providers left without an accessible hero after a
// vision reclassification.
func (s *PostgresStore) ListHeroless(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT i.provider_id FROM %[1]s i
			WHERE i.classification_method = $1 AND i.is_accessible AND i.provider_id > $2
			AND NOT EXISTS (
				SELECT 1 FROM %[1]s h
				WHERE h.provider_id = i.provider_id AND h.is_hero AND h.is_accessible
			)
			ORDER BY i.provider_id LIMIT $3`, s.images()),
		model.MethodVisionAI, afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list heroless providers")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan heroless provider")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate heroless providers")
}
