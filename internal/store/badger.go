// Package store persists jobs and their tasks. Jobs are archived once
// finished and never physically deleted. Runs of the local session are
// tracked in a small sqlite ledger.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/CZERTAINLY/Tao/internal/task"
	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

const (
	jobPrefix     = "job/"
	taskPrefix    = "task/"
	archivePrefix = "archive/"
)

// Badger keeps job snapshots in a badger database
type Badger struct {
	db       *badger.DB
	inMemory bool
}

// Open opens the database at path, an empty path opens an in-memory database
func Open(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(&badgerLogger{logger: slog.Default().With("component", "badger")}).
		WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening store %q: %w", path, err)
	}
	return &Badger{db: db, inMemory: path == ""}, nil
}

func jobKey(id int64) []byte {
	return []byte(jobPrefix + strconv.FormatInt(id, 10))
}

func taskKey(jobID, taskID int64) []byte {
	return []byte(taskPrefix + strconv.FormatInt(jobID, 10) + "/" + strconv.FormatInt(taskID, 10))
}

// SaveJob stores the job under job/<id> and each task record under
// task/<jobId>/<taskId>
func (s *Badger) SaveJob(ctx context.Context, job *task.Job) error {
	snap := job.Snapshot()
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding job %d: %w", job.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(jobKey(job.ID), b); err != nil {
			return err
		}
		for _, t := range snap.Tasks {
			tb, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := txn.Set(taskKey(job.ID, t.Record.ID), tb); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving job %d: %w", job.ID, err)
	}
	slog.DebugContext(ctx, "job saved", "job", job.ID, "status", job.Status, "tasks", len(snap.Tasks))
	return nil
}

// SaveTask stores a single task record of a job
func (s *Badger) SaveTask(ctx context.Context, jobID int64, t task.Task) error {
	b, err := json.Marshal(task.SnapshotOf(t))
	if err != nil {
		return fmt.Errorf("encoding task %d: %w", t.Base().ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(taskKey(jobID, t.Base().ID), b)
	})
}

func (s *Badger) Job(ctx context.Context, id int64) (task.JobSnapshot, error) {
	return s.get(jobKey(id))
}

// Archived returns an archived job
func (s *Badger) Archived(ctx context.Context, id int64) (task.JobSnapshot, error) {
	return s.get(append([]byte(archivePrefix), jobKey(id)...))
}

func (s *Badger) get(key []byte) (task.JobSnapshot, error) {
	var snap task.JobSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return snap, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return snap, err
}

// Jobs returns the jobs not archived yet
func (s *Badger) Jobs(ctx context.Context) ([]task.JobSnapshot, error) {
	var ret []task.JobSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var snap task.JobSnapshot
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			ret = append(ret, snap)
		}
		return nil
	})
	return ret, err
}

// Archive moves the job and its tasks under archive/
func (s *Badger) Archive(ctx context.Context, id int64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set(append([]byte(archivePrefix), jobKey(id)...), val); err != nil {
			return err
		}
		if err := txn.Delete(jobKey(id)); err != nil {
			return err
		}

		prefix := []byte(taskPrefix + strconv.FormatInt(id, 10) + "/")
		var keys [][]byte
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			item, err := txn.Get(k)
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Set(append([]byte(archivePrefix), k...), v); err != nil {
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("archiving job %d: %w", id, err)
	}
	slog.InfoContext(ctx, "job archived", "job", id)
	return nil
}

// CollectGarbage reclaims value log space, it is a no-op in memory
func (s *Badger) CollectGarbage(ctx context.Context) error {
	if s.inMemory {
		return nil
	}
	lsm, vlog := s.db.Size()
	slog.DebugContext(ctx, "running garbage collection", "lsm_size", lsm, "vlog_size", vlog)
	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...any) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...any) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...any) {
	l.logger.Info(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...any) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
