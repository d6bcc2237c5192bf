package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ErrUnknownJob is returned by Status for job IDs the queue has never seen.
var ErrUnknownJob = errors.New("unknown job")

// UnitFunc is one schedulable unit of work. Its result is kept in submission
// order for the chord's join step.
type UnitFunc func(ctx context.Context) (json.RawMessage, error)

// JoinFunc runs once after every unit of a chord has completed, receiving the
// unit results in submission order.
type JoinFunc func(ctx context.Context, results []json.RawMessage) (json.RawMessage, error)

// Queue runs asynchronous jobs in-process and records their state and result
// in a SQLite backend so status queries survive a restart.
type Queue struct {
	db     *sql.DB
	logger *log.Logger

	unitLimit int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens (or creates) the queue backend at dbPath and marks any jobs left
// non-terminal by a previous process as failed. Pass ":memory:" for an
// in-memory backend (used by tests).
func Open(dbPath string, unitLimit int, logger *log.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening job backend: %w", err)
	}

	// Single connection avoids "database is locked" errors under write load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}

	// Jobs orphaned by a crash can never complete; surface them as failures.
	if _, err := db.Exec(
		`UPDATE jobs SET state = ?, error = ?, updated_at = ? WHERE state IN (?, ?)`,
		StateFailed, "interrupted by restart", time.Now().UTC(),
		StatePending, StateRunning,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failing orphaned jobs: %w", err)
	}

	if unitLimit <= 0 {
		unitLimit = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		db:        db,
		logger:    logger,
		unitLimit: unitLimit,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close stops accepting work, waits for running jobs and closes the backend.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return q.db.Close()
}

// Submit schedules a single unit of work and returns its job ID.
func (q *Queue) Submit(fn UnitFunc) (string, error) {
	id := uuid.NewString()
	if err := q.insert(id); err != nil {
		return "", err
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.setState(id, StateRunning, nil, "")
		result, err := fn(q.ctx)
		if err != nil {
			q.logger.Printf("[Jobs] Job %s failed: %v", id, err)
			q.setState(id, StateFailed, nil, err.Error())
			return
		}
		q.setState(id, StateDone, result, "")
	}()
	return id, nil
}

// SubmitChord schedules a group of units followed by a join step that runs
// once after every unit has completed, as a single trackable job. Units run
// concurrently (bounded); their results reach the join in submission order.
// Any unit error fails the whole job and discards partial results.
func (q *Queue) SubmitChord(units []UnitFunc, join JoinFunc) (string, error) {
	id := uuid.NewString()
	if err := q.insert(id); err != nil {
		return "", err
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.setState(id, StateRunning, nil, "")

		results := make([]json.RawMessage, len(units))
		g, gctx := errgroup.WithContext(q.ctx)
		g.SetLimit(q.unitLimit)
		for i, unit := range units {
			i, unit := i, unit
			g.Go(func() error {
				res, err := unit(gctx)
				if err != nil {
					return fmt.Errorf("unit %d: %w", i, err)
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			q.logger.Printf("[Jobs] Chord %s failed: %v", id, err)
			q.setState(id, StateFailed, nil, err.Error())
			return
		}

		result, err := join(q.ctx, results)
		if err != nil {
			q.logger.Printf("[Jobs] Chord %s join failed: %v", id, err)
			q.setState(id, StateFailed, nil, err.Error())
			return
		}
		q.setState(id, StateDone, result, "")
	}()
	return id, nil
}

// Status returns the current state of a job and, when done, its result.
func (q *Queue) Status(id string) (State, json.RawMessage, error) {
	var (
		state  string
		result sql.NullString
		errMsg sql.NullString
	)
	err := q.db.QueryRow(`SELECT state, result, error FROM jobs WHERE id = ?`, id).
		Scan(&state, &result, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if err != nil {
		return "", nil, fmt.Errorf("querying job %s: %w", id, err)
	}
	if State(state) == StateDone && result.Valid {
		return StateDone, json.RawMessage(result.String), nil
	}
	return State(state), nil, nil
}

func (q *Queue) insert(id string) error {
	now := time.Now().UTC()
	_, err := q.db.Exec(
		`INSERT INTO jobs (id, state, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, StatePending, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", id, err)
	}
	return nil
}

func (q *Queue) setState(id string, state State, result json.RawMessage, errMsg string) {
	var resultValue any
	if result != nil {
		resultValue = string(result)
	}
	var errValue any
	if errMsg != "" {
		errValue = errMsg
	}
	_, err := q.db.Exec(
		`UPDATE jobs SET state = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		state, resultValue, errValue, time.Now().UTC(), id,
	)
	if err != nil {
		q.logger.Printf("[Jobs] Failed to record state %s for job %s: %v", state, id, err)
	}
}
