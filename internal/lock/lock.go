// Package lock implements a cooperative TTL-based distributed mutex over
// shared storage. Exclusivity holds only among callers that go through
// Acquire; the TTL is the sole safety net against a wedged holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrHeld is returned by Store.Insert when the key is already locked.
	ErrHeld = errors.New("lock already held")
	// ErrNotFound is returned by Store.Get when no lock exists for the key.
	ErrNotFound = errors.New("lock not found")
	// ErrNotAcquired marks retry exhaustion. Callers must treat it as a
	// hard stop, not attempt the protected work anyway.
	ErrNotAcquired = errors.New("lock not acquired after retries")
)

type Lock struct {
	Key       string
	LockID    string
	ExpiresAt time.Time
}

// Store is the persistence backend for locks. Insert must be atomic
// insert-if-absent; Delete must remove the row only when lockID matches.
type Store interface {
	Insert(ctx context.Context, l Lock) error
	Get(ctx context.Context, key string) (Lock, error)
	Delete(ctx context.Context, key, lockID string) (bool, error)
}

type Acquisition struct {
	Acquired bool
	LockID   string
}

type Service struct {
	store  Store
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: slog.Default().With("component", "lock"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire attempts a single acquisition. On conflict it re-reads the holder
// and, if that lock has expired, reclaims it and retries the insert exactly
// once. A second conflict (somebody else won the reclaim race) is reported as
// not acquired, never an error.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (Acquisition, error) {
	lockID := uuid.NewString()
	l := Lock{Key: key, LockID: lockID, ExpiresAt: s.now().Add(ttl)}

	err := s.store.Insert(ctx, l)
	if err == nil {
		return Acquisition{Acquired: true, LockID: lockID}, nil
	}
	if !errors.Is(err, ErrHeld) {
		return Acquisition{}, fmt.Errorf("insert lock %s: %w", key, err)
	}

	held, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Holder vanished between insert and read; one more try.
		return s.retryOnce(ctx, l, ttl)
	}
	if err != nil {
		return Acquisition{}, fmt.Errorf("read held lock %s: %w", key, err)
	}
	if held.ExpiresAt.After(s.now()) {
		return Acquisition{Acquired: false}, nil
	}

	deleted, err := s.store.Delete(ctx, key, held.LockID)
	if err != nil {
		return Acquisition{}, fmt.Errorf("reclaim expired lock %s: %w", key, err)
	}
	if deleted {
		s.logger.Info("reclaimed expired lock", "key", key, "expired_lock_id", held.LockID)
	}
	return s.retryOnce(ctx, l, ttl)
}

func (s *Service) retryOnce(ctx context.Context, l Lock, ttl time.Duration) (Acquisition, error) {
	l.ExpiresAt = s.now().Add(ttl)
	err := s.store.Insert(ctx, l)
	if err == nil {
		return Acquisition{Acquired: true, LockID: l.LockID}, nil
	}
	if errors.Is(err, ErrHeld) {
		return Acquisition{Acquired: false}, nil
	}
	return Acquisition{}, fmt.Errorf("insert lock %s: %w", l.Key, err)
}

// AcquireWithRetry polls Acquire at a fixed interval until acquisition or
// exhaustion. Exhaustion returns ErrNotAcquired.
func (s *Service) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxAttempts int, interval time.Duration) (Acquisition, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		acq, err := s.Acquire(ctx, key, ttl)
		if err != nil {
			return Acquisition{}, err
		}
		if acq.Acquired {
			return acq, nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := s.sleep(ctx, interval); err != nil {
			return Acquisition{}, err
		}
	}
	return Acquisition{}, fmt.Errorf("%w: key %s after %d attempts", ErrNotAcquired, key, maxAttempts)
}

// Release deletes the lock only when lockID still matches, so a holder whose
// TTL lapsed cannot release a lock that has since been reassigned.
func (s *Service) Release(ctx context.Context, key, lockID string) error {
	deleted, err := s.store.Delete(ctx, key, lockID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if !deleted {
		s.logger.Warn("release found no matching lock", "key", key, "lock_id", lockID)
	}
	return nil
}

// WithLock runs fn under the lock, releasing on every exit path.
func (s *Service) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	acq, err := s.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !acq.Acquired {
		return fmt.Errorf("%w: key %s", ErrNotAcquired, key)
	}
	defer func() {
		if err := s.Release(context.WithoutCancel(ctx), key, acq.LockID); err != nil {
			s.logger.Error("release failed", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}
