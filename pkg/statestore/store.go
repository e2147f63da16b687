// Package statestore persists deployment state as one JSON record per plan.
//
// Every save writes a temporary file in the state directory, fsyncs it,
// renames it over the record and fsyncs the directory, so an interrupted
// save leaves either the previous or the new record. Records carry a
// checksum that is verified on load.
package statestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
)

// FormatVersion is the record envelope version written by this package.
const FormatVersion = 1

// ErrNotFound is returned when a plan has no live record.
var ErrNotFound = errors.New("deployment state not found")

// Archive reasons.
const (
	ReasonCompleted = "completed"
	ReasonReset     = "reset"
)

// envelope is the on-disk record format.
type envelope struct {
	FormatVersion int             `json:"format_version"`
	Checksum      string          `json:"checksum"`
	State         json.RawMessage `json:"state"`
}

// FileStore stores deployment state under a directory.
type FileStore struct {
	dir        string
	archiveDir string
	logger     zerolog.Logger
	now        func() time.Time

	// write copies record bytes into the temporary file.
	write func(w io.Writer, data []byte) error

	// procs reports whether a process of this host is alive.
	procs processChecker

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithArchiveDir overrides the archive directory (default <dir>/archive).
func WithArchiveDir(dir string) Option {
	return func(s *FileStore) { s.archiveDir = dir }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, logger zerolog.Logger, opts ...Option) (*FileStore, error) {
	s := &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "statestore").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		write: func(w io.Writer, data []byte) error {
			_, err := w.Write(data)
			return err
		},
		procs: gopsutilProcesses{},
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.archiveDir == "" {
		s.archiveDir = filepath.Join(dir, "archive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engine.NewPersistenceError("failed to create state directory", err).WithDetail("dir", dir)
	}
	return s, nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the record path of a plan.
func (s *FileStore) Path(planID string) string {
	return filepath.Join(s.dir, planID+".json")
}

func (s *FileStore) planLock(planID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[planID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[planID] = l
	}
	return l
}

// Load reads and verifies the live record of a plan.
func (s *FileStore) Load(ctx context.Context, planID string) (*deployment.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(planID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, engine.NewPersistenceError("failed to read state", err).WithPlan(planID)
	}
	st, err := decode(data)
	if err != nil {
		return nil, engine.NewPersistenceError("state record is corrupt", err).
			WithPlan(planID).WithCode(engine.ErrCodeCorruptState)
	}
	if st.PlanID != planID {
		return nil, engine.NewPersistenceError(fmt.Sprintf("record holds plan %q", st.PlanID), nil).
			WithPlan(planID).WithCode(engine.ErrCodeCorruptState)
	}
	return st, nil
}

// Save atomically replaces the live record of the state's plan. It refuses
// to overwrite a record whose live lease belongs to another owner.
func (s *FileStore) Save(ctx context.Context, st *deployment.State) error {
	if err := st.Validate(); err != nil {
		return engine.NewPersistenceError("refusing to save invalid state", err).WithPlan(st.PlanID)
	}

	lock := s.planLock(st.PlanID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.checkOwner(ctx, st); err != nil {
		return err
	}

	st.UpdatedAt = s.now()
	data, err := encode(st)
	if err != nil {
		return engine.NewPersistenceError("failed to encode state", err).WithPlan(st.PlanID)
	}
	if err := s.writeAtomic(s.dir, s.Path(st.PlanID), data); err != nil {
		return engine.NewPersistenceError("failed to write state", err).WithPlan(st.PlanID)
	}

	s.logger.Debug().
		Str("plan_id", st.PlanID).
		Str("status", string(st.OverallStatus)).
		Int("cursor", st.CurrentStageIndex).
		Msg("state saved")
	return nil
}

// checkOwner rejects a save when the record on disk is leased to someone else.
func (s *FileStore) checkOwner(ctx context.Context, st *deployment.State) error {
	current, err := s.Load(ctx, st.PlanID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		// A corrupt record may be replaced by its lease holder.
		if engine.IsPersistenceError(err) {
			return nil
		}
		return err
	}
	if !s.leaseLive(current.Lease) {
		return nil
	}
	if st.Lease != nil && st.Lease.Owner == current.Lease.Owner {
		return nil
	}
	return engine.NewConflictError("state is leased to another run", nil).
		WithPlan(st.PlanID).
		WithCode(engine.ErrCodeLeaseHeld).
		WithDetail("owner", current.Lease.Owner).
		WithDetail("hostname", current.Lease.Hostname).
		WithDetail("pid", current.Lease.PID)
}

// Delete removes the live record. Missing records are not an error.
func (s *FileStore) Delete(ctx context.Context, planID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.Path(planID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return engine.NewPersistenceError("failed to delete state", err).WithPlan(planID)
	}
	return syncDir(s.dir)
}

// Reset copies the live record into the archive as a reset backup and then
// removes it. Missing records are not an error. A record leased to a live
// run, or one another process is acquiring, cannot be reset.
func (s *FileStore) Reset(ctx context.Context, planID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	// Another process may be between reading and writing the record in
	// Acquire.
	unlock, err := s.lockFile(planID)
	if err != nil {
		return "", err
	}
	defer unlock()

	data, err := os.ReadFile(s.Path(planID))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", engine.NewPersistenceError("failed to read state", err).WithPlan(planID)
	}

	if st, err := decode(data); err == nil && st.OverallStatus == deployment.StatusInProgress && s.leaseLive(st.Lease) {
		return "", engine.NewConflictError("cannot reset a deployment that is running", nil).
			WithPlan(planID).
			WithCode(engine.ErrCodeLeaseHeld).
			WithDetail("owner", st.Lease.Owner)
	}

	path, err := s.archiveBytes(planID, ReasonReset, data)
	if err != nil {
		return "", err
	}
	if err := os.Remove(s.Path(planID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", engine.NewPersistenceError("failed to remove state", err).WithPlan(planID)
	}
	if err := syncDir(s.dir); err != nil {
		return "", engine.NewPersistenceError("failed to sync state directory", err).WithPlan(planID)
	}

	s.logger.Info().Str("plan_id", planID).Str("backup", path).Msg("state reset")
	return path, nil
}

// List returns the plan identities that have a live record, sorted.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list state directory", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Archive writes a copy of the state to the archive directory and returns
// its path.
func (s *FileStore) Archive(ctx context.Context, st *deployment.State, reason string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := encode(st)
	if err != nil {
		return "", engine.NewPersistenceError("failed to encode state", err).WithPlan(st.PlanID)
	}
	return s.archiveBytes(st.PlanID, reason, data)
}

// LatestArchived returns the most recent archived state of a plan with the
// given reason, or ErrNotFound.
func (s *FileStore) LatestArchived(ctx context.Context, planID, reason string) (*deployment.State, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	entries, err := os.ReadDir(s.archiveDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", engine.NewPersistenceError("failed to list archive", err).WithPlan(planID)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, planID+"-") && strings.HasSuffix(name, "-"+reason+".json") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, "", ErrNotFound
	}
	sort.Strings(names)
	path := filepath.Join(s.archiveDir, names[len(names)-1])

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", engine.NewPersistenceError("failed to read archive", err).WithPlan(planID)
	}
	st, err := decode(data)
	if err != nil {
		return nil, "", engine.NewPersistenceError("archived record is corrupt", err).
			WithPlan(planID).WithCode(engine.ErrCodeCorruptState)
	}
	return st, path, nil
}

func (s *FileStore) archiveBytes(planID, reason string, data []byte) (string, error) {
	if err := os.MkdirAll(s.archiveDir, 0o755); err != nil {
		return "", engine.NewPersistenceError("failed to create archive directory", err).WithPlan(planID)
	}
	ts := s.now().Format("20060102T150405.000000000Z")
	path := filepath.Join(s.archiveDir, fmt.Sprintf("%s-%s-%s.json", planID, ts, reason))
	if err := s.writeAtomic(s.archiveDir, path, data); err != nil {
		return "", engine.NewPersistenceError("failed to write archive", err).WithPlan(planID)
	}
	return path, nil
}

// writeAtomic writes data to path through a synced temporary file in dir.
func (s *FileStore) writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := s.write(tmp, data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func encode(st *deployment.State) ([]byte, error) {
	body, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	return json.MarshalIndent(envelope{
		FormatVersion: FormatVersion,
		Checksum:      hex.EncodeToString(sum[:]),
		State:         body,
	}, "", "  ")
}

func decode(data []byte) (*deployment.State, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	if env.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported record format version %d", env.FormatVersion)
	}
	// The record is indented on disk; the checksum covers the compact body.
	var body bytes.Buffer
	if err := json.Compact(&body, env.State); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	sum := sha256.Sum256(body.Bytes())
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("checksum mismatch")
	}
	var st deployment.State
	if err := json.Unmarshal(body.Bytes(), &st); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	return &st, nil
}
