package cdpproxy

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/neboloop/cdpproxy/internal/lifecycle"
)

// pageType is the /json/list type of ordinary tabs.
const pageType = "page"

// RegisterView binds projectID to the upstream page backing view.
//
// Registrations are serialized. The target list is polled up to the
// registration budget; a page matches when its URL equals the view's URL, or
// when the view is still blank, in which case the first page that is neither
// excluded nor owned by another project is taken. When nothing matches the
// failure is logged and RegisterView returns nil. A registration that outlives
// the Start it began under returns ErrNotStarted without claiming anything.
func (p *Proxy) RegisterView(ctx context.Context, projectID string, view ViewHandle) error {
	release, err := p.registry.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	client, gen, err := p.session()
	if err != nil {
		return err
	}

	for attempt := 0; attempt < p.regAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.regInterval); err != nil {
				return err
			}
		}

		entries, err := client.List(ctx)
		if err != nil {
			p.log.Debug("list targets failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		viewURL := view.URL()
		id, ok := p.matchTarget(entries, viewURL)
		if !ok {
			continue
		}
		if err := p.claim(gen, projectID, id); err != nil {
			if errors.Is(err, ErrNotStarted) {
				return err
			}
			// A target can only be claimed inside the lock chain, so this is
			// a stale entry; try the next poll.
			p.log.Warn("target claim rejected", zap.String("project", projectID), zap.Error(err))
			continue
		}

		p.metrics.Registrations.WithLabelValues("registered").Inc()
		p.log.Info("registered view",
			zap.String("project", projectID),
			zap.String("target", string(id)),
			zap.String("url", viewURL))
		p.hooks.Emit(lifecycle.EventTargetRegistered, lifecycle.TargetEventData{
			ProjectID: projectID,
			TargetID:  string(id),
			ViewURL:   viewURL,
		})
		return nil
	}

	viewURL := view.URL()
	p.metrics.Registrations.WithLabelValues("not_found").Inc()
	p.log.Warn("no upstream target matched view",
		zap.String("project", projectID),
		zap.String("url", viewURL),
		zap.Int("attempts", p.regAttempts))
	p.hooks.Emit(lifecycle.EventTargetNotFound, lifecycle.TargetEventData{ProjectID: projectID, ViewURL: viewURL})
	return nil
}

// matchTarget picks the page for a view URL among entries.
func (p *Proxy) matchTarget(entries []TargetEntry, viewURL string) (target.ID, bool) {
	blank := viewURL == "" || viewURL == blankURL
	for _, e := range entries {
		if e.Type != pageType || p.exclusion.Excludes(e.URL) || p.registry.Claimed(e.ID) {
			continue
		}
		if blank || e.URL == viewURL {
			return e.ID, true
		}
	}
	return "", false
}

// EnsureView makes sure projectID has a registered target before a client is
// served. It returns immediately when one exists; otherwise it waits for any
// registration in flight, checks again, and invokes the ensure-view callback.
func (p *Proxy) EnsureView(ctx context.Context, projectID string) error {
	if projectID == "" {
		return nil
	}
	if _, ok := p.registry.Lookup(projectID); ok {
		return nil
	}
	if err := p.registry.Wait(ctx); err != nil {
		return err
	}
	if _, ok := p.registry.Lookup(projectID); ok {
		return nil
	}

	p.mu.RLock()
	fn := p.ensureView
	p.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, projectID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
