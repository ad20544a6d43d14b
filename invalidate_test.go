package tiercache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/tiercache/keys"
)

// TestInvalidateProfileScenario: a cached profile is readable until its
// profile is invalidated; cached searches go with it.
func TestInvalidateProfileScenario(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	f := NewFast(newTestService(t, r, nil), FastOptions{})
	defer f.Close(ctx)

	const id, owner = "507f1f77bcf86cd799439011", "u-42"
	search := keys.ProfileSearch(keys.Query{"skills": "go,sql", "city": "Berlin"})
	near := keys.Nearby("52.52,13.40", 5, keys.Query{"skills": "go"})

	_ = f.Set(ctx, keys.Profile(id), []byte("p"), 6*time.Hour)
	_ = f.Set(ctx, keys.ProfileByUser(owner), []byte("p"), 6*time.Hour)
	_ = f.Set(ctx, search, []byte("[p]"), time.Hour)
	_ = f.Set(ctx, near, []byte("[p]"), time.Hour)
	_ = f.Set(ctx, keys.User(owner), []byte("u"), time.Hour)

	if _, ok := f.Get(ctx, keys.Profile(id)); !ok {
		t.Fatalf("profile not cached")
	}

	inv := NewInvalidator(f, InvalidatorOptions{})
	if err := inv.InvalidateProfile(ctx, id, owner); err != nil {
		t.Fatalf("InvalidateProfile: %v", err)
	}
	// exact keys are gone as soon as the call returns
	if _, ok := f.Get(ctx, keys.Profile(id)); ok {
		t.Fatalf("profile still cached")
	}
	if _, ok := f.Get(ctx, keys.ProfileByUser(owner)); ok {
		t.Fatalf("profile-by-user still cached")
	}

	inv.Wait()
	if r.has(search) || r.has(near) {
		t.Fatalf("search results survived the sweep")
	}
	if _, ok := f.Get(ctx, search); ok {
		t.Fatalf("search result served from local tier")
	}
	if !r.has(keys.User(owner)) {
		t.Fatalf("unrelated user key removed")
	}
}

// TestInvalidateExactErrorsPropagate verifies direct deletes report failures.
func TestInvalidateExactErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	s := newTestService(t, r, nil)
	r.put("user:1", []byte("x"))
	r.put("user:2", []byte("x"))
	r.failDel["user:1"] = errDown

	inv := NewInvalidator(s, InvalidatorOptions{})
	err := inv.Invalidate(ctx, []string{"user:1", "user:2"}, nil)
	if !errors.Is(err, errDown) {
		t.Fatalf("err=%v want errDown", err)
	}
	if r.has("user:2") {
		t.Fatalf("later key skipped after a failure")
	}
}

// TestInvalidateSweepFailureIsDetached verifies a failed sweep never reaches the caller.
func TestInvalidateSweepFailureIsDetached(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.scanErr = errDown
	h := &recHooks{}
	s := newTestService(t, r, nil)

	inv := NewInvalidator(s, InvalidatorOptions{Hooks: h})
	if err := inv.Invalidate(ctx, nil, []string{"profileSearch:*"}); err != nil {
		t.Fatalf("sweep failure surfaced: %v", err)
	}
	inv.Wait()
	if len(h.sweepFails) != 1 || h.sweepFails[0] != "profileSearch:*" {
		t.Fatalf("sweep failures=%v", h.sweepFails)
	}
}

// TestInvalidateSweepOutlivesCaller verifies a canceled caller context does
// not stop a sweep already scheduled.
func TestInvalidateSweepOutlivesCaller(t *testing.T) {
	r := newMemRemote()
	r.put("nearby:a", []byte("x"))
	s := newTestService(t, r, nil)
	inv := NewInvalidator(s, InvalidatorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	_ = inv.Invalidate(ctx, nil, []string{"nearby:*"})
	cancel()
	inv.Wait()
	if r.has("nearby:a") {
		t.Fatalf("sweep canceled with its caller")
	}
}

// TestInvalidateBadPattern reports a malformed pattern synchronously.
func TestInvalidateBadPattern(t *testing.T) {
	inv := NewInvalidator(newTestService(t, newMemRemote(), nil), InvalidatorOptions{})
	var ve *ValidationError
	if err := inv.Invalidate(context.Background(), nil, []string{"profile["}); !errors.As(err, &ve) {
		t.Fatalf("err=%v want ValidationError", err)
	}
}

// TestInvalidatorClose verifies Close drains sweeps and refuses new ones.
func TestInvalidatorClose(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.put("profileSearch:x", []byte("x"))
	inv := NewInvalidator(newTestService(t, r, nil), InvalidatorOptions{})

	_ = inv.Invalidate(ctx, nil, []string{"profileSearch:*"})
	if err := inv.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.has("profileSearch:x") {
		t.Fatalf("Close returned before the sweep finished")
	}

	r.put("profileSearch:y", []byte("y"))
	_ = inv.Invalidate(ctx, nil, []string{"profileSearch:*"})
	inv.Wait()
	if !r.has("profileSearch:y") {
		t.Fatalf("sweep ran after Close")
	}
}

// TestInvalidateUser drops both user-keyed entries.
func TestInvalidateUser(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.put(keys.User("7"), []byte("u"))
	r.put(keys.ProfileByUser("7"), []byte("p"))
	inv := NewInvalidator(newTestService(t, r, nil), InvalidatorOptions{})

	if err := inv.InvalidateUser(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if r.has(keys.User("7")) || r.has(keys.ProfileByUser("7")) {
		t.Fatalf("user keys survived")
	}
}
