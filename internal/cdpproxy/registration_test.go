package cdpproxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/cdpproxy/internal/lifecycle"
)

func TestRegisterViewMatchesURL(t *testing.T) {
	fc := newFakeChrome(t,
		fakeTarget{ID: "tgt-1", Type: "page", URL: "https://a.example/"},
		fakeTarget{ID: "tgt-2", Type: "page", URL: "https://b.example/"},
	)
	hooks := lifecycle.NewManager()
	var got lifecycle.TargetEventData
	hooks.OnTargetRegistered(func(d lifecycle.TargetEventData) { got = d })
	p := startProxy(t, fc, WithHooks(hooks))

	require.NoError(t, p.RegisterView(context.Background(), "proj-B", StaticView("https://b.example/")))

	id, ok := p.TargetFor("proj-B")
	require.True(t, ok)
	assert.Equal(t, target.ID("tgt-2"), id)
	assert.Equal(t, lifecycle.TargetEventData{ProjectID: "proj-B", TargetID: "tgt-2", ViewURL: "https://b.example/"}, got)
}

func TestRegisterViewBlankTakesFirstFreePage(t *testing.T) {
	fc := newFakeChrome(t,
		fakeTarget{ID: "tgt-R", Type: "page", URL: "file:///app/renderer/index.html"},
		fakeTarget{ID: "tgt-D", Type: "page", URL: "devtools://devtools/bundled/inspector.html"},
		fakeTarget{ID: "sw-1", Type: "service_worker", URL: ""},
		fakeTarget{ID: "tgt-1", Type: "page", URL: "about:blank"},
		fakeTarget{ID: "tgt-2", Type: "page", URL: "about:blank"},
	)
	p := startProxy(t, fc)
	ctx := context.Background()

	require.NoError(t, p.RegisterView(ctx, "proj-A", StaticView("about:blank")))
	require.NoError(t, p.RegisterView(ctx, "proj-B", StaticView("")))

	assert.Equal(t, map[string]target.ID{"proj-A": "tgt-1", "proj-B": "tgt-2"}, p.Registry().Snapshot())
}

func TestRegisterViewRetriesUntilTargetAppears(t *testing.T) {
	fc := newFakeChrome(t)
	p := startProxy(t, fc, WithRegistrationBudget(5, 30*time.Millisecond))

	go func() {
		time.Sleep(40 * time.Millisecond)
		fc.SetTargets(fakeTarget{ID: "tgt-late", Type: "page", URL: "https://late.example/"})
	}()

	require.NoError(t, p.RegisterView(context.Background(), "proj-A", StaticView("https://late.example/")))
	id, ok := p.TargetFor("proj-A")
	require.True(t, ok)
	assert.Equal(t, target.ID("tgt-late"), id)
}

func TestRegisterViewNotFoundIsNotAnError(t *testing.T) {
	fc := newFakeChrome(t, fakeTarget{ID: "tgt-1", Type: "page", URL: "https://a.example/"})
	hooks := lifecycle.NewManager()
	notFound := make(chan lifecycle.TargetEventData, 1)
	hooks.OnTargetNotFound(func(d lifecycle.TargetEventData) { notFound <- d })
	metrics := NewMetrics(prometheus.NewRegistry())
	p := startProxy(t, fc, WithHooks(hooks), WithMetrics(metrics), WithRegistrationBudget(3, 5*time.Millisecond))

	require.NoError(t, p.RegisterView(context.Background(), "proj-A", StaticView("https://elsewhere.example/")))

	_, ok := p.TargetFor("proj-A")
	assert.False(t, ok)
	assert.Equal(t, 3, fc.ListCalls())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Registrations.WithLabelValues("not_found")))
	select {
	case d := <-notFound:
		assert.Equal(t, "proj-A", d.ProjectID)
	default:
		require.Fail(t, "target_not_found not emitted")
	}
}

func TestRegisterViewConcurrentBlankViewsGetDistinctTargets(t *testing.T) {
	const n = 5
	targets := make([]fakeTarget, n)
	for i := range targets {
		targets[i] = fakeTarget{ID: fmt.Sprintf("tgt-%d", i), Type: "page", URL: "about:blank"}
	}
	fc := newFakeChrome(t, targets...)
	p := startProxy(t, fc)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, p.RegisterView(context.Background(), fmt.Sprintf("proj-%d", i), StaticView("about:blank")))
		}(i)
	}
	wg.Wait()

	seen := map[target.ID]bool{}
	for project, id := range p.Registry().Snapshot() {
		assert.False(t, seen[id], "target %s claimed twice (by %s)", id, project)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestRegisterViewRequiresStartedProxy(t *testing.T) {
	p := New()
	err := p.RegisterView(context.Background(), "proj-A", StaticView(""))
	assert.True(t, errors.Is(err, ErrNotStarted))
}

func TestRegisterViewAbandonedByStop(t *testing.T) {
	fc := newFakeChrome(t)
	p := startProxy(t, fc, WithRegistrationBudget(50, 10*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		done <- p.RegisterView(context.Background(), "proj-A", StaticView("https://late.example/"))
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Stop())
	fc.SetTargets(fakeTarget{ID: "tgt-late", Type: "page", URL: "https://late.example/"})

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrNotStarted), "got %v", err)
	case <-time.After(2 * time.Second):
		require.Fail(t, "registration did not finish")
	}
	assert.Equal(t, 0, p.Registry().Len())
	assert.False(t, p.Registry().Claimed("tgt-late"))
}

func TestRegisterViewAbandonedByRestart(t *testing.T) {
	fc := newFakeChrome(t)
	p := startProxy(t, fc, WithRegistrationBudget(50, 10*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		done <- p.RegisterView(context.Background(), "proj-A", StaticView("https://late.example/"))
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Stop())
	_, err := p.Start(context.Background())
	require.NoError(t, err)
	fc.SetTargets(fakeTarget{ID: "tgt-late", Type: "page", URL: "https://late.example/"})

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrNotStarted), "got %v", err)
	case <-time.After(2 * time.Second):
		require.Fail(t, "registration did not finish")
	}
	_, ok := p.TargetFor("proj-A")
	assert.False(t, ok)
}

func TestEnsureView(t *testing.T) {
	fc := newFakeChrome(t, fakeTarget{ID: "tgt-1", Type: "page", URL: "about:blank"})
	p := startProxy(t, fc)
	ctx := context.Background()

	// no callback installed
	require.NoError(t, p.EnsureView(ctx, "proj-A"))

	var calls []string
	p.SetEnsureView(func(ctx context.Context, projectID string) error {
		calls = append(calls, projectID)
		return p.RegisterView(ctx, projectID, StaticView("about:blank"))
	})

	require.NoError(t, p.EnsureView(ctx, ""))
	require.NoError(t, p.EnsureView(ctx, "proj-A"))
	require.NoError(t, p.EnsureView(ctx, "proj-A"))
	assert.Equal(t, []string{"proj-A"}, calls)

	boom := errors.New("view creation failed")
	p.SetEnsureView(func(ctx context.Context, projectID string) error { return boom })
	assert.ErrorIs(t, p.EnsureView(ctx, "proj-B"), boom)
}

func TestEnsureViewWaitsForInFlightRegistration(t *testing.T) {
	fc := newFakeChrome(t, fakeTarget{ID: "tgt-1", Type: "page", URL: "about:blank"})
	p := startProxy(t, fc)

	// hold the lock chain as a registration for proj-A would
	release, err := p.registry.acquire(context.Background())
	require.NoError(t, err)

	called := false
	p.SetEnsureView(func(ctx context.Context, projectID string) error {
		called = true
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- p.EnsureView(context.Background(), "proj-A") }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.registry.Set("proj-A", "tgt-1"))
	release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.FailNow(t, "EnsureView did not return")
	}
	assert.False(t, called, "registration finished in flight, callback must be skipped")
}
