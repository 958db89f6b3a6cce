package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"codevolve/internal/model"
)

var (
	programPrefix    = []byte("program/")
	generationPrefix = []byte("generation/")
)

// BadgerStore keeps Program records in an embedded badger database. An empty
// path opens an in-memory database.
type BadgerStore struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	db  *badger.DB
	seq int64
	now func() time.Time
}

func NewBadgerStore(path string, logger *slog.Logger) *BadgerStore {
	return &BadgerStore{path: path, logger: logger, now: time.Now}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (s *BadgerStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	var opts badger.Options
	if s.path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.path, 0o750); err != nil {
			return fmt.Errorf("create badger directory %s: %w", s.path, err)
		}
		opts = badger.DefaultOptions(s.path).WithSyncWrites(true)
	}
	if s.logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}

	var maxSeq int64
	err = db.View(func(txn *badger.Txn) error {
		programs, err := scanPrograms(txn)
		if err != nil {
			return err
		}
		for _, p := range programs {
			if p.Seq > maxSeq {
				maxSeq = p.Seq
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.seq = maxSeq
	return nil
}

func (s *BadgerStore) Insert(_ context.Context, program model.Program) error {
	if err := validateInsert(program); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errNotInitialized
	}
	record := prepareInsert(program, s.seq+1, s.now())
	payload, err := EncodeProgram(record)
	if err != nil {
		return err
	}

	key := programKey(program.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateID, program.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, payload)
	})
	if err != nil {
		return err
	}
	s.seq++
	return nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (model.Program, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Program{}, err
	}

	var program model.Program
	err = db.View(func(txn *badger.Txn) error {
		var err error
		program, err = getProgram(txn, id)
		return err
	})
	return program, err
}

func (s *BadgerStore) SetFitness(_ context.Context, id string, metrics model.Metrics, status model.Status, errs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errNotInitialized
	}
	return s.db.Update(func(txn *badger.Txn) error {
		program, err := getProgram(txn, id)
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
		return txn.Set(programKey(id), payload)
	})
}

func (s *BadgerStore) TopK(_ context.Context, scope Scope, k int, metric string) ([]model.Program, error) {
	programs, err := s.scan(scope.matches)
	if err != nil {
		return nil, err
	}
	return rankTopK(programs, k, metric), nil
}

func (s *BadgerStore) Lineage(ctx context.Context, id string) ([]model.Program, error) {
	return walkLineage(ctx, id, s.Get)
}

func (s *BadgerStore) ListGeneration(_ context.Context, runID string, generation int) ([]model.Program, error) {
	programs, err := s.scan(func(p model.Program) bool {
		return p.RunID == runID && p.Generation == generation
	})
	if err != nil {
		return nil, err
	}
	sortBySeq(programs)
	return programs, nil
}

func (s *BadgerStore) CancelPending(_ context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, errNotInitialized
	}
	cancelled := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		programs, err := scanPrograms(txn)
		if err != nil {
			return err
		}
		for _, p := range programs {
			if p.RunID != runID || p.Status != model.StatusPending {
				continue
			}
			payload, err := EncodeProgram(finalize(p, nil, model.StatusCancelled, []string{"run cancelled before evaluation finished"}))
			if err != nil {
				return err
			}
			if err := txn.Set(programKey(p.ID), payload); err != nil {
				return err
			}
			cancelled++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}

func (s *BadgerStore) SaveGeneration(_ context.Context, record model.GenerationRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeGenerationRecord(stampGeneration(record))
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(generationKey(record.RunID, record.Generation), payload)
	})
}

func (s *BadgerStore) Generations(_ context.Context, runID string) ([]model.GenerationRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	prefix := append(append([]byte(nil), generationPrefix...), []byte(runID+"/")...)
	var out []model.GenerationRecord
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			payload, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			record, err := DecodeGenerationRecord(payload)
			if err != nil {
				return fmt.Errorf("decode generation %s: %w", it.Item().Key(), err)
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortGenerations(out)
	return out, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func (s *BadgerStore) scan(keep func(model.Program) bool) ([]model.Program, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var out []model.Program
	err = db.View(func(txn *badger.Txn) error {
		programs, err := scanPrograms(txn)
		if err != nil {
			return err
		}
		for _, p := range programs {
			if keep(p) {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

func scanPrograms(txn *badger.Txn) ([]model.Program, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []model.Program
	for it.Seek(programPrefix); it.ValidForPrefix(programPrefix); it.Next() {
		payload, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		program, err := DecodeProgram(payload)
		if err != nil {
			return nil, fmt.Errorf("decode program %s: %w", it.Item().Key(), err)
		}
		out = append(out, program)
	}
	return out, nil
}

func getProgram(txn *badger.Txn, id string) (model.Program, error) {
	item, err := txn.Get(programKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.Program{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.Program{}, err
	}
	payload, err := item.ValueCopy(nil)
	if err != nil {
		return model.Program{}, err
	}
	program, err := DecodeProgram(payload)
	if err != nil {
		return model.Program{}, fmt.Errorf("decode program %s: %w", id, err)
	}
	return program, nil
}

func programKey(id string) []byte {
	return append(append([]byte(nil), programPrefix...), id...)
}

// generationKey sorts generations numerically within a run.
func generationKey(runID string, generation int) []byte {
	key := append(append([]byte(nil), generationPrefix...), []byte(runID+"/")...)
	return binary.BigEndian.AppendUint64(key, uint64(generation))
}
