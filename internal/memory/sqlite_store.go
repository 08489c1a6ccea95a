package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinelstack/sentinel-agent/internal/embed"
	"github.com/sentinelstack/sentinel-agent/internal/models"
	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

// SQLiteStore implements Store on a single SQLite file. Vectors are kept as
// little-endian float32 BLOBs and similarity is computed in process, which
// is fine for the store sizes one agent accumulates.
type SQLiteStore struct {
	db       *sql.DB
	embedder embed.Embedder
}

// NewSQLiteStore opens (or creates) the database at path, initialises the
// schema and validates that the store was not written by a different
// embedding model. Mixing models invalidates every similarity comparison,
// so a mismatch is a fatal configuration error.
func NewSQLiteStore(ctx context.Context, path string, embedder embed.Embedder) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, utils.E("memory.NewSQLiteStore", utils.KindStore, "open database", err)
	}
	// One connection serializes writers; last writer wins on upsert.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, utils.E("memory.NewSQLiteStore", utils.KindStore, "ping database", err)
	}

	s := &SQLiteStore{db: db, embedder: embedder}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.validateModel(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS store_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS issues (
			id              TEXT PRIMARY KEY,
			issue_text      TEXT NOT NULL,
			embedding       BLOB NOT NULL,
			solution_action TEXT NOT NULL DEFAULT '',
			outcome         TEXT NOT NULL DEFAULT 'unknown',
			created_at      TEXT NOT NULL,
			last_used_at    TEXT NOT NULL,
			use_count       INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_issues_last_used ON issues(last_used_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return utils.E("memory.initSchema", utils.KindStore, "initialize schema", err)
	}
	return nil
}

// validateModel pins the store to the embedder's model and dimensionality
// on first open and rejects mismatches afterwards.
func (s *SQLiteStore) validateModel(ctx context.Context) error {
	wantModel := s.embedder.Model()
	wantDims := strconv.Itoa(s.embedder.Dimensions())

	var haveModel string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'embedding_model'`).Scan(&haveModel)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO store_meta (key, value) VALUES ('embedding_model', ?), ('embedding_dimensions', ?)`,
			wantModel, wantDims)
		if err != nil {
			return utils.E("memory.validateModel", utils.KindStore, "record embedding model", err)
		}
		return nil
	case err != nil:
		return utils.E("memory.validateModel", utils.KindStore, "read embedding model", err)
	}

	if haveModel != wantModel {
		return utils.E("memory.validateModel", utils.KindConfiguration,
			fmt.Sprintf("store was built with embedding model %q, configured model is %q", haveModel, wantModel), nil)
	}

	var haveDims string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'embedding_dimensions'`).Scan(&haveDims); err == nil {
		if haveDims != wantDims {
			return utils.E("memory.validateModel", utils.KindConfiguration,
				fmt.Sprintf("store vectors have %s dimensions, embedder produces %s", haveDims, wantDims), nil)
		}
	}
	return nil
}

// AddIssue inserts or updates the record for issueText. Duplicate text
// collapses onto one row: use_count increments and solution, outcome and
// last_used_at refresh in place.
func (s *SQLiteStore) AddIssue(ctx context.Context, issueText, solutionAction string, outcome models.Outcome) (models.IssueRecord, error) {
	vector, err := s.embedder.Embed(ctx, models.NormalizeIssueText(issueText))
	if err != nil {
		return models.IssueRecord{}, utils.E("memory.AddIssue", utils.KindStore, "embed issue text", err)
	}

	id := models.IssueID(issueText)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (id, issue_text, embedding, solution_action, outcome, created_at, last_used_at, use_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			solution_action = excluded.solution_action,
			outcome         = excluded.outcome,
			last_used_at    = excluded.last_used_at,
			use_count       = use_count + 1
	`, id, issueText, embed.EncodeVector(vector), solutionAction, string(outcome), now, now)
	if err != nil {
		return models.IssueRecord{}, utils.E("memory.AddIssue", utils.KindStore, "upsert issue", err)
	}

	return s.getByID(ctx, id)
}

// FindSimilar loads every stored vector, scores it against the embedded
// query and returns the threshold-gated top-k. A candidate below
// minSimilarity is never returned, no matter how close it is to the top.
func (s *SQLiteStore) FindSimilar(ctx context.Context, issueText string, topK int, minSimilarity float32) ([]models.MemoryHit, error) {
	hits := []models.MemoryHit{}
	if topK <= 0 {
		return hits, nil
	}

	queryVector, err := s.embedder.Embed(ctx, models.NormalizeIssueText(issueText))
	if err != nil {
		return nil, utils.E("memory.FindSimilar", utils.KindStore, "embed query text", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_text, embedding, solution_action, outcome, created_at, last_used_at, use_count
		FROM issues
	`)
	if err != nil {
		return nil, utils.E("memory.FindSimilar", utils.KindStore, "query issues", err)
	}
	defer rows.Close()

	for rows.Next() {
		record, blob, err := scanRecord(rows)
		if err != nil {
			return nil, utils.E("memory.FindSimilar", utils.KindStore, "scan issue", err)
		}
		stored := embed.DecodeVector(blob)
		if len(stored) != len(queryVector) {
			continue
		}
		similarity := embed.CosineSimilarity(queryVector, stored)
		if similarity < minSimilarity {
			continue
		}
		record.Embedding = stored
		hits = append(hits, models.MemoryHit{Record: record, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, utils.E("memory.FindSimilar", utils.KindStore, "iterate issues", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].Record.UseCount != hits[j].Record.UseCount {
			return hits[i].Record.UseCount > hits[j].Record.UseCount
		}
		return hits[i].Record.LastUsedAt.After(hits[j].Record.LastUsedAt)
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// All returns every record ordered by most recent use.
func (s *SQLiteStore) All(ctx context.Context) ([]models.IssueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_text, embedding, solution_action, outcome, created_at, last_used_at, use_count
		FROM issues
		ORDER BY last_used_at DESC
	`)
	if err != nil {
		return nil, utils.E("memory.All", utils.KindStore, "query issues", err)
	}
	defer rows.Close()

	var records []models.IssueRecord
	for rows.Next() {
		record, blob, err := scanRecord(rows)
		if err != nil {
			return nil, utils.E("memory.All", utils.KindStore, "scan issue", err)
		}
		record.Embedding = embed.DecodeVector(blob)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.E("memory.All", utils.KindStore, "iterate issues", err)
	}
	return records, nil
}

// Delete removes a record by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id); err != nil {
		return utils.E("memory.Delete", utils.KindStore, "delete issue", err)
	}
	return nil
}

// Prune drops records unused for longer than maxAge.
func (s *SQLiteStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE last_used_at < ?`, cutoff)
	if err != nil {
		return 0, utils.E("memory.Prune", utils.KindStore, "prune issues", err)
	}
	dropped, _ := res.RowsAffected()
	return int(dropped), nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) getByID(ctx context.Context, id string) (models.IssueRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, issue_text, embedding, solution_action, outcome, created_at, last_used_at, use_count
		FROM issues WHERE id = ?
	`, id)

	record, blob, err := scanRecord(row)
	if err != nil {
		return models.IssueRecord{}, utils.E("memory.getByID", utils.KindStore, "load issue", err)
	}
	record.Embedding = embed.DecodeVector(blob)
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.IssueRecord, []byte, error) {
	var (
		record    models.IssueRecord
		blob      []byte
		outcome   string
		createdAt string
		lastUsed  string
	)
	err := row.Scan(&record.ID, &record.IssueText, &blob, &record.SolutionAction,
		&outcome, &createdAt, &lastUsed, &record.UseCount)
	if err != nil {
		return models.IssueRecord{}, nil, err
	}
	record.Outcome = models.ParseOutcome(outcome)
	record.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	record.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsed)
	return record, blob, nil
}
