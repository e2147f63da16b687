package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
)

// staleLockAge is the age after which a leftover lock file is removed.
const staleLockAge = time.Minute

// processChecker reports whether a local process is alive.
type processChecker interface {
	Alive(ctx context.Context, pid int) bool
}

type gopsutilProcesses struct{}

func (gopsutilProcesses) Alive(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		// Unknown means alive; the lease still expires on its own.
		return true
	}
	return ok
}

// leaseLive reports whether a lease still protects its plan: it has not
// expired and, when taken on this host, its process is still running.
func (s *FileStore) leaseLive(l *deployment.Lease) bool {
	if l == nil || l.Expired(s.now()) {
		return false
	}
	if host, err := os.Hostname(); err == nil && host == l.Hostname && l.PID > 0 {
		return s.procs.Alive(context.Background(), l.PID)
	}
	return true
}

// Acquire takes the lease of a plan for owner. It loads the live record under
// an exclusive lock file; when none exists, create builds the initial state.
// The state is saved with the new lease and returned. Acquire fails with a
// ConflictError when another owner holds a live lease on an in-progress state.
func (s *FileStore) Acquire(ctx context.Context, planID, owner string, ttl time.Duration, create func() (*deployment.State, error)) (*deployment.State, error) {
	unlock, err := s.lockFile(planID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.Load(ctx, planID)
	switch {
	case errors.Is(err, ErrNotFound):
		st, err = create()
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case st.OverallStatus == deployment.StatusInProgress && st.Lease != nil &&
		st.Lease.Owner != owner && s.leaseLive(st.Lease):
		return nil, engine.NewConflictError("deployment is already running", nil).
			WithPlan(planID).
			WithCode(engine.ErrCodeLeaseHeld).
			WithDetail("owner", st.Lease.Owner).
			WithDetail("hostname", st.Lease.Hostname).
			WithDetail("pid", st.Lease.PID).
			WithDetail("expires_at", st.Lease.ExpiresAt)
	}

	hostname, _ := os.Hostname()
	now := s.now()
	st.Lease = &deployment.Lease{
		Owner:      owner,
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := s.saveUnchecked(st); err != nil {
		return nil, err
	}

	s.logger.Debug().Str("plan_id", planID).Str("owner", owner).Time("expires_at", st.Lease.ExpiresAt).Msg("lease acquired")
	return st, nil
}

// Renew extends the lease held by the state's owner.
func (s *FileStore) Renew(st *deployment.State, ttl time.Duration) {
	if st.Lease != nil {
		st.Lease.ExpiresAt = s.now().Add(ttl)
	}
}

// Release clears the lease and saves the state.
func (s *FileStore) Release(ctx context.Context, st *deployment.State) error {
	if st.Lease == nil {
		return nil
	}
	if err := s.checkOwner(ctx, st); err != nil {
		return err
	}
	held := st.Lease
	st.Lease = nil
	if err := s.saveUnchecked(st); err != nil {
		st.Lease = held
		return err
	}
	return nil
}

// saveUnchecked saves without the owner check; the caller holds the lock file.
func (s *FileStore) saveUnchecked(st *deployment.State) error {
	if err := st.Validate(); err != nil {
		return engine.NewPersistenceError("refusing to save invalid state", err).WithPlan(st.PlanID)
	}
	lock := s.planLock(st.PlanID)
	lock.Lock()
	defer lock.Unlock()

	st.UpdatedAt = s.now()
	data, err := encode(st)
	if err != nil {
		return engine.NewPersistenceError("failed to encode state", err).WithPlan(st.PlanID)
	}
	if err := s.writeAtomic(s.dir, s.Path(st.PlanID), data); err != nil {
		return engine.NewPersistenceError("failed to write state", err).WithPlan(st.PlanID)
	}
	return nil
}

// lockFile creates <plan>.lock exclusively and returns its release function.
func (s *FileStore) lockFile(planID string) (func(), error) {
	path := filepath.Join(s.dir, planID+".lock")
	for i := 0; i < 2; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, engine.NewPersistenceError("failed to create lock file", err).WithPlan(planID)
		}
		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < staleLockAge {
			break
		}
		s.logger.Warn().Str("plan_id", planID).Str("path", path).Msg("removing stale lock file")
		_ = os.Remove(path)
	}
	return nil, engine.NewConflictError("another process is acquiring the plan", nil).
		WithPlan(planID).WithCode(engine.ErrCodeLeaseHeld)
}
