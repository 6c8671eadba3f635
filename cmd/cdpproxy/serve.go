package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/neboloop/cdpproxy/internal/browser"
	"github.com/neboloop/cdpproxy/internal/cdpproxy"
	"github.com/neboloop/cdpproxy/internal/config"
	"github.com/neboloop/cdpproxy/internal/lifecycle"
	"github.com/neboloop/cdpproxy/internal/logging"
	"github.com/neboloop/cdpproxy/internal/webview"
)

// ServeCmd runs the proxy in front of a launched or already running browser.
func ServeCmd() *cobra.Command {
	var (
		projects       []string
		port           int
		metricsAddr    string
		activePortFile string
		noLaunch       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy",
		Long: `Start the proxy. By default a Chromium is launched with an ephemeral debugging
port and discovered through the DevToolsActivePort file it writes; pass
--no-launch with --active-port-file to front a browser started elsewhere.

Each --project gets its own page before the proxy starts taking clients; the
last one becomes the active project for unscoped requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *ServerConfig
			if cmd.Flags().Changed("port") {
				c.Proxy.Port = port
			}
			if cmd.Flags().Changed("metrics-addr") {
				c.Metrics.Addr = metricsAddr
			}
			if cmd.Flags().Changed("active-port-file") {
				c.Discovery.ActivePortFile = activePortFile
			}
			if noLaunch {
				c.Browser.Launch = false
			}
			if err := c.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), c, projects)
		},
	}

	cmd.Flags().StringSliceVar(&projects, "project", nil, "project to open a view for (repeatable)")
	cmd.Flags().IntVar(&port, "port", 0, "proxy port (0 = ephemeral)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&activePortFile, "active-port-file", "", "DevToolsActivePort of an existing browser")
	cmd.Flags().BoolVar(&noLaunch, "no-launch", false, "do not launch a browser")

	return cmd
}

func runServe(ctx context.Context, c config.Config, projects []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logging.Sync()

	log := logging.Named("serve")

	var running *browser.RunningChrome
	portFile := c.Discovery.ActivePortFile
	if c.Browser.Launch {
		r, err := browser.LaunchChrome(browser.LaunchOptions{
			ExecutablePath: c.Browser.ExecutablePath,
			Headless:       c.Browser.Headless,
			NoSandbox:      c.Browser.NoSandbox,
			UserDataDir:    c.Browser.UserDataDir,
			ExtraArgs:      c.Browser.ExtraArgs,
		})
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		running = r
		defer func() {
			if err := browser.StopChrome(running, browser.DefaultStopTimeout); err != nil {
				log.Warn("stop browser", zap.Error(err))
			}
		}()
		if portFile == "" {
			portFile = running.ActivePortFile()
		}
	}

	hooks := lifecycle.Global()
	logHooks(hooks, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := cdpproxy.New(
		cdpproxy.WithLogger(logging.Named("cdp-proxy")),
		cdpproxy.WithHooks(hooks),
		cdpproxy.WithMetrics(cdpproxy.NewMetrics(reg)),
		cdpproxy.WithRendererURL(c.Proxy.RendererURL),
		cdpproxy.WithListenAddr(c.Proxy.Host, c.Proxy.Port),
		cdpproxy.WithBrowserToken(c.Proxy.BrowserToken),
		cdpproxy.WithDiscovery(&cdpproxy.Discovery{
			Path:     portFile,
			Attempts: c.Discovery.Attempts,
			Interval: c.Discovery.Interval,
		}),
		cdpproxy.WithRegistrationBudget(c.Registration.Attempts, c.Registration.Interval),
		cdpproxy.WithNavigateBudget(c.Navigate.Settle, c.Navigate.Timeout),
	)

	port, err := p.Start(ctx)
	if err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	defer func() {
		if err := p.Stop(); err != nil {
			log.Warn("stop proxy", zap.Error(err))
		}
	}()

	views := webview.NewManager(p, c.Views.PlaceholderURL)
	views.SetCreator(webview.NewTabs(p.Upstream().HTTPBase()).Creator())
	p.SetEnsureView(views.EnsureView)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		views.CloseAll(closeCtx)
	}()

	if c.Metrics.Addr != "" {
		srv := metricsServer(c.Metrics.Addr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("metrics listening", zap.String("addr", c.Metrics.Addr))
	}

	for _, projectID := range projects {
		if err := views.Switch(ctx, projectID); err != nil {
			return fmt.Errorf("open view for %s: %w", projectID, err)
		}
		fmt.Printf("%s  %s\n", projectID, p.URL(projectID))
	}
	fmt.Printf("cdpproxy listening on port %d (Ctrl+C to stop)\n", port)

	var exited <-chan struct{}
	if running != nil {
		exited = running.Exited()
	}
	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case <-exited:
		if err := running.Err(); err != nil {
			return fmt.Errorf("browser exited: %w", err)
		}
		return errors.New("browser exited")
	}
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func logHooks(hooks *lifecycle.Manager, log *zap.Logger) {
	hooks.OnProxyStarted(func(data lifecycle.ProxyEventData) {
		log.Info("proxy started", zap.Int("port", data.Port), zap.String("upstream", data.UpstreamURL))
	})
	hooks.OnClientConnected(func(data lifecycle.ClientEventData) {
		log.Debug("client connected", zap.String("conn", data.ConnectionID), zap.String("project", data.ProjectID))
	})
	hooks.OnClientDisconnected(func(data lifecycle.ClientEventData) {
		log.Debug("client disconnected", zap.String("conn", data.ConnectionID), zap.String("project", data.ProjectID))
	})
	hooks.OnTargetRegistered(func(data lifecycle.TargetEventData) {
		log.Info("view registered", zap.String("project", data.ProjectID), zap.String("target", data.TargetID))
	})
	hooks.OnTargetNotFound(func(data lifecycle.TargetEventData) {
		log.Warn("no target for view", zap.String("project", data.ProjectID), zap.String("url", data.ViewURL))
	})
}
