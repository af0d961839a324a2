package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/score"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	first_seen_at  DATETIME NOT NULL,
	threat_score   INTEGER NOT NULL,
	threat_level   TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'new'
);

CREATE INDEX IF NOT EXISTS idx_detections_platform ON detections(platform);
CREATE INDEX IF NOT EXISTS idx_detections_level ON detections(threat_level);
CREATE INDEX IF NOT EXISTS idx_detections_first_seen ON detections(first_seen_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(unavailable(err), "sqlite: migrate")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const detectionColumns = `evidence_id, normalized_url, platform, title, price_text, url,
	location, image_url, matched_term, matched_lang, category,
	first_seen_at, threat_score, threat_level, status`

func (s *SQLiteStore) UpsertDetection(ctx context.Context, l model.NormalizedListing, sc score.Result) (*model.StoredDetection, bool, error) {
	d := detectionFrom(l, sc)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (`+detectionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(normalized_url) DO NOTHING`,
		d.EvidenceID, d.NormalizedURL, string(d.Platform), d.Title, d.PriceText, d.URL,
		d.Location, d.ImageURL, d.MatchedTerm, d.MatchedLang, string(d.Category),
		d.FirstSeenAt, d.ThreatScore, string(d.ThreatLevel), string(d.Status),
	)
	if err != nil {
		return nil, false, eris.Wrap(unavailable(err), "sqlite: upsert detection")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return d, true, nil
	}

	// Conflict: another observation won the insert. Read it back.
	existing, err := s.FindByURL(ctx, d.NormalizedURL)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: read back after conflict")
	}
	return existing, false, nil
}

func (s *SQLiteStore) FindByURL(ctx context.Context, normalizedURL string) (*model.StoredDetection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+detectionColumns+` FROM detections WHERE normalized_url = ?`,
		normalizedURL,
	)
	d, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(unavailable(err), "sqlite: find by url")
	}
	return d, nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, f Filter) ([]model.StoredDetection, error) {
	query := `SELECT ` + detectionColumns + ` FROM detections WHERE 1=1`
	var args []any

	if f.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(f.Platform))
	}
	if f.Level != "" {
		query += ` AND threat_level = ?`
		args = append(args, string(f.Level))
	}
	if !f.Since.IsZero() {
		query += ` AND first_seen_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY first_seen_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(unavailable(err), "sqlite: list recent")
	}
	defer rows.Close()

	var out []model.StoredDetection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan detection")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list recent iterate")
}

func (s *SQLiteStore) CountByLevel(ctx context.Context, since time.Time) (map[model.ThreatLevel]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT threat_level, COUNT(*) FROM detections WHERE first_seen_at >= ? GROUP BY threat_level`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(unavailable(err), "sqlite: count by level")
	}
	defer rows.Close()

	counts := make(map[model.ThreatLevel]int)
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.ThreatLevel(level)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count iterate")
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, normalizedURL string, status model.DetectionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE detections SET status = ? WHERE normalized_url = ?`,
		string(status), normalizedURL,
	)
	if err != nil {
		return eris.Wrap(unavailable(err), "sqlite: update status")
	}
	return checkRowsAffected(res, normalizedURL)
}

func (s *SQLiteStore) DeleteByURL(ctx context.Context, normalizedURL string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM detections WHERE normalized_url = ?`,
		normalizedURL,
	)
	if err != nil {
		return eris.Wrap(unavailable(err), "sqlite: delete by url")
	}
	return checkRowsAffected(res, normalizedURL)
}

// helpers

// detectionFrom builds the candidate record for an insert attempt. The
// evidence ID is only durable when the insert wins.
func detectionFrom(l model.NormalizedListing, sc score.Result) *model.StoredDetection {
	firstSeen := l.FetchedAt
	if firstSeen.IsZero() {
		firstSeen = time.Now()
	}
	return &model.StoredDetection{
		EvidenceID:    uuid.New().String(),
		NormalizedURL: l.NormalizedURL,
		Platform:      l.Platform,
		Title:         l.Title,
		PriceText:     l.PriceText,
		URL:           l.URL,
		Location:      l.Location,
		ImageURL:      l.ImageURL,
		MatchedTerm:   l.MatchedTerm.Term,
		MatchedLang:   l.MatchedTerm.Language.String(),
		Category:      l.MatchedTerm.Category,
		FirstSeenAt:   firstSeen.UTC(),
		ThreatScore:   sc.Score,
		ThreatLevel:   sc.Level,
		Status:        model.DetectionNew,
	}
}

func checkRowsAffected(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s", key)
	}
	return nil
}

// unavailable tags database-level failures so the orchestrator can abort the
// cycle. sql.ErrNoRows and conflicts never reach this path. Context errors
// pass through untagged: a deadline or cancellation firing mid-statement says
// nothing about the store's health.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return eris.Wrap(ErrUnavailable, err.Error())
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDetection(row scannable) (*model.StoredDetection, error) {
	var d model.StoredDetection
	var platform, category, level, status string
	var priceText, location, imageURL sql.NullString

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
	d.PriceText = priceText.String
	d.Location = location.String
	d.ImageURL = imageURL.String
	return &d, nil
}
