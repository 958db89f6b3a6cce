//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"codevolve/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu  sync.RWMutex
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path, now: time.Now}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, program model.Program) error {
	if err := validateInsert(program); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM programs WHERE id = ?`, program.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, program.ID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM programs`).Scan(&seq); err != nil {
		return err
	}

	record := prepareInsert(program, seq, s.now())
	payload, err := EncodeProgram(record)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO programs (id, run_id, generation, status, seq, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.RunID, record.Generation, string(record.Status), record.Seq,
		record.SchemaVersion, record.CodecVersion, payload)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Program, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Program{}, err
	}
	return getSQLiteProgram(ctx, db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteProgram(ctx context.Context, q queryRower, id string) (model.Program, error) {
	var payload []byte
	err := q.QueryRowContext(ctx, `SELECT payload FROM programs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Program{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.Program{}, err
	}

	program, err := DecodeProgram(payload)
	if err != nil {
		return model.Program{}, fmt.Errorf("decode program %s: %w", id, err)
	}
	return program, nil
}

func (s *SQLiteStore) SetFitness(ctx context.Context, id string, metrics model.Metrics, status model.Status, errs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	program, err := getSQLiteProgram(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := validateFinalize(id, program.Status, status); err != nil {
		return err
	}
	payload, err := EncodeProgram(finalize(program, metrics, status, errs))
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE programs SET status = ?, payload = ?
		WHERE id = ? AND status = ?
	`, string(status), payload, id, string(model.StatusPending))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
	}
	return tx.Commit()
}

func (s *SQLiteStore) TopK(ctx context.Context, scope Scope, k int, metric string) ([]model.Program, error) {
	query := `SELECT payload FROM programs WHERE 1 = 1`
	var args []any
	if scope.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, scope.RunID)
	}
	if scope.Generation != nil {
		query += ` AND generation = ?`
		args = append(args, *scope.Generation)
	}
	query += ` ORDER BY seq`

	programs, err := s.queryPrograms(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(scope.IDs) > 0 {
		filtered := programs[:0]
		for _, p := range programs {
			if scope.matches(p) {
				filtered = append(filtered, p)
			}
		}
		programs = filtered
	}
	return rankTopK(programs, k, metric), nil
}

func (s *SQLiteStore) Lineage(ctx context.Context, id string) ([]model.Program, error) {
	return walkLineage(ctx, id, s.Get)
}

func (s *SQLiteStore) ListGeneration(ctx context.Context, runID string, generation int) ([]model.Program, error) {
	return s.queryPrograms(ctx, `
		SELECT payload FROM programs WHERE run_id = ? AND generation = ? ORDER BY seq
	`, runID, generation)
}

func (s *SQLiteStore) CancelPending(ctx context.Context, runID string) (int, error) {
	pending, err := s.queryPrograms(ctx, `
		SELECT payload FROM programs WHERE run_id = ? AND status = ? ORDER BY seq
	`, runID, string(model.StatusPending))
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, p := range pending {
		err := s.SetFitness(ctx, p.ID, nil, model.StatusCancelled, []string{"run cancelled before evaluation finished"})
		if errors.Is(err, ErrAlreadyFinalized) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (s *SQLiteStore) SaveGeneration(ctx context.Context, record model.GenerationRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	record = stampGeneration(record)
	payload, err := EncodeGenerationRecord(record)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO generations (run_id, generation, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, generation) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, record.RunID, record.Generation, record.SchemaVersion, record.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) Generations(ctx context.Context, runID string) ([]model.GenerationRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM generations WHERE run_id = ? ORDER BY generation
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GenerationRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		record, err := DecodeGenerationRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("decode generation for run %s: %w", runID, err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func (s *SQLiteStore) queryPrograms(ctx context.Context, query string, args ...any) ([]model.Program, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Program
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		program, err := DecodeProgram(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, program)
	}
	return out, rows.Err()
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS programs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			status TEXT NOT NULL,
			seq INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS programs_run_generation ON programs (run_id, generation);
		CREATE TABLE IF NOT EXISTS generations (
			run_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, generation)
		);
	`)
	return err
}

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}
