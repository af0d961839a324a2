package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/score"
)

// Querier is the subset of pgxpool.Pool used by PostgresStore, abstracted so
// tests can substitute pgxmock.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Querier
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(unavailable(err), "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromQuerier wraps an existing querier (tests).
func NewPostgresFromQuerier(q Querier) *PostgresStore {
	return &PostgresStore{pool: q}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS detections (
	evidence_id    TEXT PRIMARY KEY,
	normalized_url TEXT NOT NULL UNIQUE,
	platform       TEXT NOT NULL,
	title          TEXT NOT NULL,
	price_text     TEXT,
	url            TEXT NOT NULL,
	location       TEXT,
	image_url      TEXT,
	matched_term   TEXT NOT NULL,
	matched_lang   TEXT NOT NULL,
	category       TEXT NOT NULL,
	first_seen_at  TIMESTAMPTZ NOT NULL,
	threat_score   INTEGER NOT NULL,
	threat_level   TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'new'
);

CREATE INDEX IF NOT EXISTS idx_detections_platform ON detections(platform);
CREATE INDEX IF NOT EXISTS idx_detections_level ON detections(threat_level);
CREATE INDEX IF NOT EXISTS idx_detections_first_seen ON detections(first_seen_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(unavailable(err), "postgres: migrate")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertDetection(ctx context.Context, l model.NormalizedListing, sc score.Result) (*model.StoredDetection, bool, error) {
	d := detectionFrom(l, sc)

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO detections (evidence_id, normalized_url, platform, title, price_text, url,
			location, image_url, matched_term, matched_lang, category,
			first_seen_at, threat_score, threat_level, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (normalized_url) DO NOTHING`,
		d.EvidenceID, d.NormalizedURL, string(d.Platform), d.Title, d.PriceText, d.URL,
		d.Location, d.ImageURL, d.MatchedTerm, d.MatchedLang, string(d.Category),
		d.FirstSeenAt, d.ThreatScore, string(d.ThreatLevel), string(d.Status),
	)
	if err != nil {
		return nil, false, eris.Wrap(classify(err), "postgres: upsert detection")
	}
	if tag.RowsAffected() == 1 {
		return d, true, nil
	}

	existing, err := s.FindByURL(ctx, d.NormalizedURL)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: read back after conflict")
	}
	return existing, false, nil
}

const pgDetectionColumns = `evidence_id, normalized_url, platform, title, price_text, url,
	location, image_url, matched_term, matched_lang, category,
	first_seen_at, threat_score, threat_level, status`

func (s *PostgresStore) FindByURL(ctx context.Context, normalizedURL string) (*model.StoredDetection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgDetectionColumns+` FROM detections WHERE normalized_url = $1`,
		normalizedURL,
	)
	d, err := scanPgDetection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(classify(err), "postgres: find by url")
	}
	return d, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, f Filter) ([]model.StoredDetection, error) {
	query := `SELECT ` + pgDetectionColumns + ` FROM detections WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Platform != "" {
		query += ` AND platform = ` + arg(string(f.Platform))
	}
	if f.Level != "" {
		query += ` AND threat_level = ` + arg(string(f.Level))
	}
	if !f.Since.IsZero() {
		query += ` AND first_seen_at >= ` + arg(f.Since.UTC())
	}
	query += ` ORDER BY first_seen_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(classify(err), "postgres: list recent")
	}
	defer rows.Close()

	var out []model.StoredDetection
	for rows.Next() {
		d, err := scanPgDetection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan detection")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list recent iterate")
}

func (s *PostgresStore) CountByLevel(ctx context.Context, since time.Time) (map[model.ThreatLevel]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT threat_level, COUNT(*) FROM detections WHERE first_seen_at >= $1 GROUP BY threat_level`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(classify(err), "postgres: count by level")
	}
	defer rows.Close()

	counts := make(map[model.ThreatLevel]int)
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.ThreatLevel(level)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count iterate")
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, normalizedURL string, status model.DetectionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE detections SET status = $1 WHERE normalized_url = $2`,
		string(status), normalizedURL,
	)
	if err != nil {
		return eris.Wrap(classify(err), "postgres: update status")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s", normalizedURL)
	}
	return nil
}

func (s *PostgresStore) DeleteByURL(ctx context.Context, normalizedURL string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM detections WHERE normalized_url = $1`,
		normalizedURL,
	)
	if err != nil {
		return eris.Wrap(classify(err), "postgres: delete by url")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s", normalizedURL)
	}
	return nil
}

// classify distinguishes infrastructure failures (which abort a cycle) from
// SQL-level errors. Unique violations never reach here: the upsert absorbs
// them with ON CONFLICT DO NOTHING.
func classify(err error) error {
	if err == nil {
		return nil
	}
	// A deadline or cancellation firing mid-statement says nothing about the
	// store's health; keep the taxonomy intact for the orchestrator.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = connection exception, 57 = operator intervention
		// (shutdown), 53 = insufficient resources.
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "08", "57", "53":
				return unavailable(err)
			}
		}
		return err
	}
	// Anything that is not a server-reported SQL error is a broken
	// connection or an unreachable host.
	return unavailable(err)
}

func scanPgDetection(row pgx.Row) (*model.StoredDetection, error) {
	var d model.StoredDetection
	var platform, category, level, status string
	var priceText, location, imageURL *string

	err := row.Scan(&d.EvidenceID, &d.NormalizedURL, &platform, &d.Title, &priceText, &d.URL,
		&location, &imageURL, &d.MatchedTerm, &d.MatchedLang, &category,
		&d.FirstSeenAt, &d.ThreatScore, &level, &status,
	)
	if err != nil {
		return nil, err
	}

	d.Platform = model.Platform(platform)
	d.Category = model.KeywordCategory(category)
	d.ThreatLevel = model.ThreatLevel(level)
	d.Status = model.DetectionStatus(status)
	if priceText != nil {
		d.PriceText = *priceText
	}
	if location != nil {
		d.Location = *location
	}
	if imageURL != nil {
		d.ImageURL = *imageURL
	}
	return &d, nil
}
