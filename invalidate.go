package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/tiercache/keys"
)

// InvalidatorOptions configure an Invalidator.
type InvalidatorOptions struct {
	Logger       Logger
	Hooks        Hooks
	SweepTimeout time.Duration // per detached sweep; 0 => 30s
}

// Invalidator fans a mutation out to the cache keys it affects.
//
// Exact keys are deleted synchronously and their errors returned. Pattern
// sweeps run detached from the caller: they outlive its context, and their
// failures only reach the logs and Hooks.SweepFailed.
type Invalidator struct {
	b       Backend
	log     Logger
	hooks   Hooks
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewInvalidator(b Backend, opts InvalidatorOptions) *Invalidator {
	return &Invalidator{
		b:       b,
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:   coalesce[Hooks](opts.Hooks, NopHooks{}),
		timeout: positive(opts.SweepTimeout, DefaultSweepTimeout),
	}
}

// Invalidate deletes exact keys now and schedules one sweep per pattern.
// A malformed pattern is reported in the returned error and not swept.
func (i *Invalidator) Invalidate(ctx context.Context, exact []string, patterns []string) error {
	var errs []error
	for _, k := range exact {
		if err := i.b.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("delete %q: %w", k, err))
		}
	}
	for _, p := range patterns {
		if err := keys.ValidatePattern(p); err != nil {
			errs = append(errs, err)
			continue
		}
		i.sweep(ctx, p)
	}
	return errors.Join(errs...)
}

// InvalidateUser drops the user record and the profile looked up by that user.
func (i *Invalidator) InvalidateUser(ctx context.Context, userID string) error {
	return i.Invalidate(ctx, []string{keys.User(userID), keys.ProfileByUser(userID)}, nil)
}

// InvalidateProfile drops the profile under both of its keys and sweeps every
// cached search and proximity result, since any of them may contain it.
// ownerUserID may be empty when unknown.
func (i *Invalidator) InvalidateProfile(ctx context.Context, profileID, ownerUserID string) error {
	exact := []string{keys.Profile(profileID)}
	if ownerUserID != "" {
		exact = append(exact, keys.ProfileByUser(ownerUserID))
	}
	return i.Invalidate(ctx, exact, []string{
		keys.Pattern(keys.NSProfileSearch),
		keys.Pattern(keys.NSNearby),
	})
}

func (i *Invalidator) sweep(ctx context.Context, pattern string) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		i.log.Warn("invalidator closed, sweep dropped", Fields{"pattern": pattern})
		return
	}
	i.wg.Add(1)
	i.mu.Unlock()

	go func() {
		defer i.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
		defer cancel()

		n, err := i.b.InvalidateByPattern(sctx, pattern)
		if err != nil {
			i.log.Error("pattern sweep failed", Fields{"pattern": pattern, "deleted": n, "err": errField(err)})
			i.hooks.SweepFailed(pattern, err)
			return
		}
		i.log.Debug("pattern sweep done", Fields{"pattern": pattern, "deleted": n})
	}()
}

// Wait blocks until every scheduled sweep has finished.
func (i *Invalidator) Wait() { i.wg.Wait() }

// Close stops accepting sweeps and waits for running ones until ctx is done.
func (i *Invalidator) Close(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
