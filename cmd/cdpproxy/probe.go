package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

const probeTitle = "cdpproxy probe"

var (
	passColor = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
)

// ProbeCmd checks a running proxy end to end the way a CDP client uses it.
func ProbeCmd() *cobra.Command {
	var (
		projectID string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe <proxy-url>",
		Short: "Check a running proxy end to end",
		Long: `Probe a running proxy: fetch /json/version and /json, then connect with a CDP
client and drive the project's page (Browser.getVersion, Target.getTargets,
Target.createTarget, navigation and evaluation).

The URL is either a project URL (http://127.0.0.1:PORT/project/ID) or the
proxy root together with --project.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := probeBaseURL(args[0], projectID)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return newProber(cmd.OutOrStdout(), base).run(ctx)
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "project id to probe")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall probe timeout")

	return cmd
}

// probeBaseURL joins the proxy URL and an optional project id.
func probeBaseURL(raw, projectID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid proxy url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid proxy url %q: want http://host:port", raw)
	}
	base := strings.TrimRight(u.String(), "/")
	if projectID != "" {
		base += "/project/" + url.PathEscape(projectID)
	}
	return base, nil
}

type prober struct {
	out    io.Writer
	base   string
	http   *resty.Client
	passed int
	failed int
}

func newProber(out io.Writer, base string) *prober {
	return &prober{
		out:  out,
		base: base,
		http: resty.New().SetBaseURL(base).SetTimeout(5 * time.Second),
	}
}

// check runs one step and prints its outcome.
func (pr *prober) check(name string, fn func() (string, error)) bool {
	detail, err := fn()
	if err != nil {
		pr.failed++
		fmt.Fprintf(pr.out, "  %s %s: %v\n", failColor.Sprint("✗"), name, err)
		return false
	}
	pr.passed++
	if detail != "" {
		fmt.Fprintf(pr.out, "  %s %s (%s)\n", passColor.Sprint("✓"), name, detail)
	} else {
		fmt.Fprintf(pr.out, "  %s %s\n", passColor.Sprint("✓"), name)
	}
	return true
}

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type listEntry struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

func (pr *prober) run(ctx context.Context) error {
	fmt.Fprintf(pr.out, "Probing %s\n", pr.base)

	var version versionInfo
	ok := pr.check("GET /json/version", func() (string, error) {
		resp, err := pr.http.R().SetContext(ctx).SetResult(&version).Get("/json/version")
		if err != nil {
			return "", err
		}
		if resp.IsError() {
			return "", fmt.Errorf("status %s", resp.Status())
		}
		if version.WebSocketDebuggerURL == "" {
			return "", errors.New("no webSocketDebuggerUrl")
		}
		return version.Browser, nil
	})
	if !ok {
		return pr.summary()
	}

	var pageID target.ID
	ok = pr.check("GET /json", func() (string, error) {
		var entries []listEntry
		resp, err := pr.http.R().SetContext(ctx).SetResult(&entries).Get("/json")
		if err != nil {
			return "", err
		}
		if resp.IsError() {
			return "", fmt.Errorf("status %s", resp.Status())
		}
		for _, e := range entries {
			if strings.Contains(e.URL, "/renderer/index.html") {
				return "", fmt.Errorf("renderer target %s is visible", e.ID)
			}
			if e.Type == "page" && pageID == "" {
				pageID = target.ID(e.ID)
			}
		}
		if pageID == "" {
			return "", errors.New("no page target")
		}
		return fmt.Sprintf("%d target(s), page %s", len(entries), pageID), nil
	})
	if !ok {
		return pr.summary()
	}

	pr.drive(ctx, version.WebSocketDebuggerURL, pageID)
	return pr.summary()
}

// drive connects to the browser endpoint the proxy advertised and works the
// project page through it.
func (pr *prober) drive(ctx context.Context, wsURL string, pageID target.ID) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, wsURL, chromedp.NoModifyURL)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithTargetID(pageID))
	defer cancelTab()

	if !pr.check("connect and attach", func() (string, error) {
		return "", chromedp.Run(tabCtx)
	}) {
		return
	}
	c := chromedp.FromContext(tabCtx)
	browserCtx := cdp.WithExecutor(tabCtx, c.Browser)

	pr.check("Browser.getVersion", func() (string, error) {
		protocol, product, _, _, _, err := cdpbrowser.GetVersion().Do(browserCtx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s, protocol %s", product, protocol), nil
	})

	pr.check("Target.getTargets", func() (string, error) {
		infos, err := target.GetTargets().Do(browserCtx)
		if err != nil {
			return "", err
		}
		for _, info := range infos {
			if info.Type == "page" && info.TargetID != pageID {
				return "", fmt.Errorf("foreign page %s is visible", info.TargetID)
			}
		}
		return fmt.Sprintf("%d visible", len(infos)), nil
	})

	pr.check("Target.createTarget is redirected", func() (string, error) {
		id, err := target.CreateTarget("about:blank").Do(browserCtx)
		if err != nil {
			return "", err
		}
		if id != pageID {
			return "", fmt.Errorf("got new target %s, want %s", id, pageID)
		}
		return "", nil
	})

	pr.check("navigate", func() (string, error) {
		var title string
		err := chromedp.Run(tabCtx,
			chromedp.Navigate("data:text/html,<title>"+url.PathEscape(probeTitle)+"</title>"),
			chromedp.Title(&title),
		)
		if err != nil {
			return "", err
		}
		if title != probeTitle {
			return "", fmt.Errorf("title %q, want %q", title, probeTitle)
		}
		return title, nil
	})

	pr.check("Runtime.evaluate", func() (string, error) {
		var sum int
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(`1 + 1`, &sum)); err != nil {
			return "", err
		}
		if sum != 2 {
			return "", fmt.Errorf("1 + 1 = %d", sum)
		}
		return "", nil
	})
}

func (pr *prober) summary() error {
	fmt.Fprintf(pr.out, "\n%d passed, %d failed\n", pr.passed, pr.failed)
	if pr.failed > 0 {
		return fmt.Errorf("%d check(s) failed", pr.failed)
	}
	return nil
}
