package webview

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/cdpproxy/internal/cdpproxy"
	"github.com/neboloop/cdpproxy/internal/logging"
)

// backgroundRegisterTimeout bounds registrations started by Switch.
const backgroundRegisterTimeout = 30 * time.Second

// ViewHandle is the interface a project view must satisfy. Tabs opened
// through the upstream's /json/new endpoint implement it.
type ViewHandle interface {
	URL() string
	Close(ctx context.Context) error
}

// ViewCreatorOptions configures a new view.
type ViewCreatorOptions struct {
	ProjectID string
	URL       string
}

// View is the browser page owned by one project.
type View struct {
	ProjectID string
	CreatedAt time.Time
	Handle    ViewHandle
}

// URL returns the page's current URL.
func (v *View) URL() string {
	return v.Handle.URL()
}

// Registrar is the part of the proxy the manager drives.
type Registrar interface {
	RegisterView(ctx context.Context, projectID string, view cdpproxy.ViewHandle) error
	SetActiveProject(projectID string)
}

// Manager keeps at most one view per project and registers each with the
// proxy so the project's clients are bound to it.
type Manager struct {
	mu sync.Mutex

	creator        func(ctx context.Context, opts ViewCreatorOptions) (ViewHandle, error)
	registrar      Registrar
	placeholderURL string
	views          map[string]*View
	creating       map[string]chan struct{}
	log            *zap.Logger

	background sync.WaitGroup
}

// NewManager returns a manager that registers views with registrar. New views
// open placeholderURL with the project id as fragment.
func NewManager(registrar Registrar, placeholderURL string) *Manager {
	if placeholderURL == "" {
		placeholderURL = "about:blank"
	}
	return &Manager{
		registrar:      registrar,
		placeholderURL: placeholderURL,
		views:          make(map[string]*View),
		creating:       make(map[string]chan struct{}),
		log:            logging.Named("webview"),
	}
}

// SetCreator installs the view creation callback.
func (m *Manager) SetCreator(fn func(ctx context.Context, opts ViewCreatorOptions) (ViewHandle, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creator = fn
}

// IsAvailable returns true if views can be created.
func (m *Manager) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creator != nil
}

// placeholderFor tags the placeholder with the project so each view starts on
// a distinct URL.
func (m *Manager) placeholderFor(projectID string) string {
	if strings.Contains(m.placeholderURL, "#") {
		return m.placeholderURL
	}
	return m.placeholderURL + "#" + url.PathEscape(projectID)
}

// GetView returns the view of projectID.
func (m *Manager) GetView(projectID string) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[projectID]
	if !ok {
		return nil, fmt.Errorf("no view for project: %s", projectID)
	}
	return v, nil
}

// ListViews returns all views ordered by project id.
func (m *Manager) ListViews() []*View {
	m.mu.Lock()
	defer m.mu.Unlock()
	views := make([]*View, 0, len(m.views))
	for _, v := range m.views {
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ProjectID < views[j].ProjectID })
	return views
}

// viewFor returns the project's view, creating it if needed. Concurrent
// callers for the same project share one creation.
func (m *Manager) viewFor(ctx context.Context, projectID string) (*View, error) {
	for {
		m.mu.Lock()
		if v, ok := m.views[projectID]; ok {
			m.mu.Unlock()
			return v, nil
		}
		if pending, ok := m.creating[projectID]; ok {
			m.mu.Unlock()
			select {
			case <-pending:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		creator := m.creator
		if creator == nil {
			m.mu.Unlock()
			return nil, errors.New("no view creator installed")
		}
		done := make(chan struct{})
		m.creating[projectID] = done
		m.mu.Unlock()

		handle, err := creator(ctx, ViewCreatorOptions{ProjectID: projectID, URL: m.placeholderFor(projectID)})
		if err == nil && handle == nil {
			err = errors.New("failed to create view")
		}

		m.mu.Lock()
		delete(m.creating, projectID)
		var view *View
		if err == nil {
			view = &View{ProjectID: projectID, CreatedAt: time.Now(), Handle: handle}
			m.views[projectID] = view
		}
		close(done)
		m.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("create view for %s: %w", projectID, err)
		}
		m.log.Info("created view", zap.String("project", projectID), zap.String("url", view.URL()))
		return view, nil
	}
}

// EnsureView creates the project's view if it has none and registers it with
// the proxy. It is installed as the proxy's ensure-view callback.
func (m *Manager) EnsureView(ctx context.Context, projectID string) error {
	view, err := m.viewFor(ctx, projectID)
	if err != nil {
		return err
	}
	return m.registrar.RegisterView(ctx, projectID, view)
}

// Switch makes projectID the active project. The view is created eagerly and
// the active project set before returning; registration runs in the
// background.
func (m *Manager) Switch(ctx context.Context, projectID string) error {
	view, err := m.viewFor(ctx, projectID)
	if err != nil {
		return err
	}
	m.registrar.SetActiveProject(projectID)

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRegisterTimeout)
		defer cancel()
		if err := m.registrar.RegisterView(ctx, projectID, view); err != nil {
			m.log.Warn("background registration failed", zap.String("project", projectID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until background registrations started by Switch finish.
func (m *Manager) Wait() {
	m.background.Wait()
}

// CloseView closes and forgets the view of projectID.
func (m *Manager) CloseView(ctx context.Context, projectID string) error {
	m.mu.Lock()
	view, ok := m.views[projectID]
	delete(m.views, projectID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no view for project: %s", projectID)
	}
	return view.Handle.Close(ctx)
}

// CloseAll closes every view.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	views := m.views
	m.views = make(map[string]*View)
	m.mu.Unlock()

	for _, v := range views {
		if err := v.Handle.Close(ctx); err != nil {
			m.log.Debug("close view failed", zap.String("project", v.ProjectID), zap.Error(err))
		}
	}
}
