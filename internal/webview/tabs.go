package webview

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultLoadTimeout  = 3 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// tabInfo is the upstream's description of a target.
type tabInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Tabs opens and closes upstream tabs through the browser's HTTP endpoints.
type Tabs struct {
	http         *resty.Client
	loadTimeout  time.Duration
	pollInterval time.Duration
}

// NewTabs returns a tab opener for the browser at baseURL (http://host:port).
func NewTabs(baseURL string) *Tabs {
	return &Tabs{
		http:         resty.New().SetBaseURL(baseURL).SetTimeout(5 * time.Second),
		loadTimeout:  defaultLoadTimeout,
		pollInterval: defaultPollInterval,
	}
}

// Creator adapts Tabs to Manager.SetCreator.
func (t *Tabs) Creator() func(ctx context.Context, opts ViewCreatorOptions) (ViewHandle, error) {
	return func(ctx context.Context, opts ViewCreatorOptions) (ViewHandle, error) {
		return t.Open(ctx, opts.URL)
	}
}

// Open creates a tab on rawURL and waits, up to the load timeout, for the
// tab to show up in /json/list. The tab's URL is taken from that listing so
// it matches what the proxy sees.
func (t *Tabs) Open(ctx context.Context, rawURL string) (*Tab, error) {
	var created tabInfo
	resp, err := t.http.R().
		SetContext(ctx).
		SetResult(&created).
		Put("/json/new?" + url.QueryEscape(rawURL))
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("open tab: %s", resp.Status())
	}
	if created.ID == "" {
		return nil, fmt.Errorf("open tab: no id in response")
	}

	tab := &Tab{tabs: t, id: created.ID, url: created.URL}
	t.awaitListed(ctx, tab)
	return tab, nil
}

// awaitListed polls /json/list until tab appears. A tab that does not appear
// in time keeps the URL from the creation response.
func (t *Tabs) awaitListed(ctx context.Context, tab *Tab) {
	ctx, cancel := context.WithTimeout(ctx, t.loadTimeout)
	defer cancel()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		var list []tabInfo
		resp, err := t.http.R().SetContext(ctx).SetResult(&list).Get("/json/list")
		if err == nil && !resp.IsError() {
			for _, info := range list {
				if info.ID == tab.id {
					tab.setURL(info.URL)
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tab is an upstream page opened by Tabs.
type Tab struct {
	tabs *Tabs
	id   string

	mu  sync.RWMutex
	url string
}

// ID returns the upstream target id.
func (t *Tab) ID() string { return t.id }

// URL returns the tab's last known URL.
func (t *Tab) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

func (t *Tab) setURL(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()
}

// Close closes the tab.
func (t *Tab) Close(ctx context.Context) error {
	resp, err := t.tabs.http.R().SetContext(ctx).Get("/json/close/" + url.PathEscape(t.id))
	if err != nil {
		return fmt.Errorf("close tab %s: %w", t.id, err)
	}
	if resp.IsError() {
		return fmt.Errorf("close tab %s: %s", t.id, resp.Status())
	}
	return nil
}
