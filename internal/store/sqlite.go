package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/listing-images/internal/db"
	"github.com/sells-group/listing-images/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local runs
// against an exported snapshot and the end-to-end tests.
type SQLiteStore struct {
	db     *sql.DB
	tables Tables
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, tables Tables) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn, tables: tables}, nil
}

// DB exposes the handle for seeding and inspection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id             INTEGER PRIMARY KEY,
	logo_url       TEXT,
	gallery_urls   TEXT,
	hero_image_url TEXT,
	deleted_at     DATETIME
);

CREATE TABLE IF NOT EXISTS %[2]s (
	provider_id               INTEGER NOT NULL,
	image_url                 TEXT NOT NULL,
	source_field              TEXT NOT NULL,
	image_type                TEXT NOT NULL,
	classification_method     TEXT NOT NULL,
	classification_confidence REAL NOT NULL,
	quality_score             REAL NOT NULL,
	width                     INTEGER,
	height                    INTEGER,
	file_size_bytes           INTEGER,
	content_type              TEXT,
	is_accessible             INTEGER NOT NULL DEFAULT 0,
	is_hero                   INTEGER NOT NULL DEFAULT 0,
	review_status             TEXT NOT NULL DEFAULT 'pending',
	UNIQUE (provider_id, image_url)
);

CREATE INDEX IF NOT EXISTS %[3]s ON %[2]s(classification_confidence, provider_id, image_url);
`

// Migrate creates the provider and metadata tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	idx := db.SanitizeTable("idx_" + s.tables.Images + "_confidence")
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(sqliteMigration, s.providers(), s.images(), idx))
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) providers() string { return db.SanitizeTable(s.tables.Providers) }
func (s *SQLiteStore) images() string    { return db.SanitizeTable(s.tables.Images) }

// InsertProviders seeds provider rows.
func (s *SQLiteStore) InsertProviders(ctx context.Context, providers []model.Provider) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := fmt.Sprintf(`INSERT INTO %s (id, logo_url, gallery_urls, hero_image_url) VALUES (?, ?, ?, ?)`, s.providers())
	for _, p := range providers {
		if _, err := tx.ExecContext(ctx, stmt, p.ID, p.LogoURL, p.GalleryURLs, p.HeroImageURL); err != nil {
			return eris.Wrapf(err, "sqlite: insert provider %d", p.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit providers")
}

// CountProviders counts live providers with id > afterID.
func (s *SQLiteStore) CountProviders(ctx context.Context, afterID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE deleted_at IS NULL AND id > ?`, s.providers()),
		afterID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count providers")
	}
	return n, nil
}

// ListProviders returns the next page of live providers in id order.
func (s *SQLiteStore) ListProviders(ctx context.Context, afterID int64, limit int) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, COALESCE(logo_url, ''), COALESCE(gallery_urls, ''), hero_image_url
			FROM %s WHERE deleted_at IS NULL AND id > ? ORDER BY id LIMIT ?`, s.providers()),
		afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list providers")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.LogoURL, &p.GalleryURLs, &p.HeroImageURL); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate providers")
}

// SetProviderHeroURL writes the denormalized hero URL; nil clears it.
func (s *SQLiteStore) SetProviderHeroURL(ctx context.Context, providerID int64, url *string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET hero_image_url = ? WHERE id = ?`, s.providers()),
		url, providerID,
	)
	return eris.Wrapf(err, "sqlite: set hero url for provider %d", providerID)
}

// OverriddenImages returns the admin-overridden rows of the given providers.
func (s *SQLiteStore) OverriddenImages(ctx context.Context, providerIDs []int64) (model.OverrideSet, error) {
	set := make(model.OverrideSet)
	if len(providerIDs) == 0 {
		return set, nil
	}

	args := make([]any, 0, len(providerIDs)+1)
	args = append(args, string(model.ReviewAdminOverridden))
	for _, id := range providerIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(providerIDs)), ", ")

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT provider_id, image_url, is_hero FROM %s
			WHERE review_status = ? AND provider_id IN (%s)`, s.images(), placeholders),
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list overridden images")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var k model.ImageKey
		var hero bool
		if err := rows.Scan(&k.ProviderID, &k.ImageURL, &hero); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan overridden image")
		}
		set[k] = hero
	}
	return set, eris.Wrap(rows.Err(), "sqlite: iterate overridden images")
}

// UpsertImages writes recs in one transaction. Conflicting admin-overridden
// rows are skipped by the WHERE guard and not counted.
func (s *SQLiteStore) UpsertImages(ctx context.Context, recs []model.ImageMetadataRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	sets := make([]string, len(imageUpdateColumns))
	for i, c := range imageUpdateColumns {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	stmt := fmt.Sprintf(
		`INSERT INTO %[1]s (%[2]s) VALUES (%[3]s)
		ON CONFLICT (provider_id, image_url) DO UPDATE SET %[4]s
		WHERE %[1]s.review_status <> '%[5]s'`,
		s.images(),
		strings.Join(imageColumns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(imageColumns)), ", "),
		strings.Join(sets, ", "),
		model.ReviewAdminOverridden,
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert images: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert images: prepare")
	}
	defer prepared.Close() //nolint:errcheck

	var written int64
	for _, r := range recs {
		res, err := prepared.ExecContext(ctx, imageValues(r)...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert image %d %s", r.ProviderID, r.ImageURL)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		written += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert images: commit")
	}
	return written, nil
}

// MarkHero flags imageURL as hero and clears every other non-overridden hero
// of the provider in one statement.
func (s *SQLiteStore) MarkHero(ctx context.Context, providerID int64, imageURL string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET is_hero = (image_url = ?)
			WHERE provider_id = ? AND review_status <> ? AND (is_hero = 1 OR image_url = ?)`, s.images()),
		imageURL, providerID, string(model.ReviewAdminOverridden), imageURL,
	)
	return eris.Wrapf(err, "sqlite: mark hero for provider %d", providerID)
}

// ListLowConfidence returns the next keyset page of vision candidates.
func (s *SQLiteStore) ListLowConfidence(ctx context.Context, threshold float64, after Cursor, limit int) ([]model.ImageMetadataRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE classification_confidence < ? AND is_accessible = 1 AND review_status <> ?
			AND classification_method <> ?
			AND (classification_confidence, provider_id, image_url) > (?, ?, ?)
			ORDER BY classification_confidence, provider_id, image_url LIMIT ?`,
			strings.Join(imageColumns, ", "), s.images()),
		threshold, string(model.ReviewAdminOverridden), model.MethodVisionAI,
		after.Confidence, after.ProviderID, after.ImageURL, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list low confidence images")
	}
	return collectImages(rows)
}

// UpdateClassification writes a vision verdict unless the row is overridden.
func (s *SQLiteStore) UpdateClassification(ctx context.Context, u model.VisionUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET image_type = ?, classification_method = ?,
			classification_confidence = ?, quality_score = ?
			WHERE provider_id = ? AND image_url = ? AND review_status <> ?`, s.images()),
		string(u.ImageType), model.MethodVisionAI, u.Confidence, u.QualityScore,
		u.ProviderID, u.ImageURL, string(model.ReviewAdminOverridden),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update classification %d %s", u.ProviderID, u.ImageURL)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

// ListAccessibleImages returns every accessible row of the provider,
// overridden rows included.
func (s *SQLiteStore) ListAccessibleImages(ctx context.Context, providerID int64) ([]model.ImageMetadataRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE provider_id = ? AND is_accessible = 1 ORDER BY image_url`,
			strings.Join(imageColumns, ", "), s.images()),
		providerID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list images for provider %d", providerID)
	}
	return collectImages(rows)
}

// ListHeroless returns providers left without an accessible hero after a
// vision reclassification.
func (s *SQLiteStore) ListHeroless(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT i.provider_id FROM %[1]s i
			WHERE i.classification_method = ? AND i.is_accessible = 1 AND i.provider_id > ?
			AND NOT EXISTS (
				SELECT 1 FROM %[1]s h
				WHERE h.provider_id = i.provider_id AND h.is_hero = 1 AND h.is_accessible = 1
			)
			ORDER BY i.provider_id LIMIT ?`, s.images()),
		model.MethodVisionAI, afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list heroless providers")
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan heroless provider")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate heroless providers")
}

// GetImage returns one row or nil when it does not exist.
func (s *SQLiteStore) GetImage(ctx context.Context, key model.ImageKey) (*model.ImageMetadataRecord, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE provider_id = ? AND image_url = ?`,
			strings.Join(imageColumns, ", "), s.images()),
		key.ProviderID, key.ImageURL,
	)
	r, err := scanImage(row)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetProvider returns one provider or nil when it does not exist.
func (s *SQLiteStore) GetProvider(ctx context.Context, id int64) (*model.Provider, error) {
	var p model.Provider
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, COALESCE(logo_url, ''), COALESCE(gallery_urls, ''), hero_image_url FROM %s WHERE id = ?`, s.providers()),
		id,
	).Scan(&p.ID, &p.LogoURL, &p.GalleryURLs, &p.HeroImageURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get provider %d", id)
	}
	return &p, nil
}

func collectImages(rows *sql.Rows) ([]model.ImageMetadataRecord, error) {
	defer rows.Close() //nolint:errcheck

	var out []model.ImageMetadataRecord
	for rows.Next() {
		r, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate images")
}
