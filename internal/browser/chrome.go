package browser

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/cdpproxy/internal/logging"
)

// BrowserKind identifies the type of Chromium-based browser.
type BrowserKind string

const (
	BrowserChrome   BrowserKind = "chrome"
	BrowserBrave    BrowserKind = "brave"
	BrowserEdge     BrowserKind = "edge"
	BrowserChromium BrowserKind = "chromium"
	BrowserCustom   BrowserKind = "custom"
)

// ErrNoBrowser means no supported browser was found on this machine.
var ErrNoBrowser = errors.New("no supported browser found (Chrome/Brave/Edge/Chromium)")

// BrowserExecutable represents a found browser binary.
type BrowserExecutable struct {
	Kind BrowserKind
	Path string
}

// RunningChrome represents a launched Chrome instance.
type RunningChrome struct {
	PID         int
	Executable  *BrowserExecutable
	UserDataDir string
	StartedAt   time.Time

	cmd      *exec.Cmd
	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
}

// ActivePortFile returns where this instance writes its DevToolsActivePort.
func (r *RunningChrome) ActivePortFile() string {
	return filepath.Join(r.UserDataDir, ActivePortFile)
}

// Exited is closed when the browser process ends.
func (r *RunningChrome) Exited() <-chan struct{} {
	return r.exited
}

// Err returns the process's exit error, or nil while it is still running.
func (r *RunningChrome) Err() error {
	select {
	case <-r.exited:
		return r.exitErr
	default:
		return nil
	}
}

type candidate struct {
	kind BrowserKind
	path string
}

// FindChromeExecutable finds a Chrome/Chromium browser on the system.
func FindChromeExecutable(customPath string) (*BrowserExecutable, error) {
	if customPath != "" {
		if !fileExists(customPath) {
			return nil, fmt.Errorf("browser executable not found: %s", customPath)
		}
		return &BrowserExecutable{Kind: BrowserCustom, Path: customPath}, nil
	}

	for _, c := range platformCandidates() {
		if fileExists(c.path) {
			return &BrowserExecutable{Kind: c.kind, Path: c.path}, nil
		}
	}
	for _, c := range []candidate{
		{BrowserChrome, "google-chrome"},
		{BrowserChrome, "google-chrome-stable"},
		{BrowserChromium, "chromium"},
		{BrowserChromium, "chromium-browser"},
		{BrowserBrave, "brave-browser"},
		{BrowserEdge, "microsoft-edge"},
	} {
		if path, err := exec.LookPath(c.path); err == nil {
			return &BrowserExecutable{Kind: c.kind, Path: path}, nil
		}
	}
	return nil, ErrNoBrowser
}

func platformCandidates() []candidate {
	home := os.Getenv("HOME")
	switch runtime.GOOS {
	case "darwin":
		return []candidate{
			{BrowserChrome, "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
			{BrowserChrome, filepath.Join(home, "Applications/Google Chrome.app/Contents/MacOS/Google Chrome")},
			{BrowserChromium, "/Applications/Chromium.app/Contents/MacOS/Chromium"},
			{BrowserBrave, "/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"},
			{BrowserEdge, "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
		}
	case "windows":
		programFiles := os.Getenv("ProgramFiles")
		if programFiles == "" {
			programFiles = `C:\Program Files`
		}
		var out []candidate
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			out = append(out, candidate{BrowserChrome, filepath.Join(local, "Google", "Chrome", "Application", "chrome.exe")})
		}
		return append(out,
			candidate{BrowserChrome, filepath.Join(programFiles, "Google", "Chrome", "Application", "chrome.exe")},
			candidate{BrowserEdge, filepath.Join(programFiles, "Microsoft", "Edge", "Application", "msedge.exe")},
		)
	default:
		return []candidate{
			{BrowserChrome, "/usr/bin/google-chrome"},
			{BrowserChrome, "/usr/bin/google-chrome-stable"},
			{BrowserChromium, "/usr/bin/chromium"},
			{BrowserChromium, "/usr/bin/chromium-browser"},
			{BrowserChromium, "/snap/bin/chromium"},
			{BrowserBrave, "/usr/bin/brave-browser"},
			{BrowserEdge, "/usr/bin/microsoft-edge"},
		}
	}
}

// LaunchChrome starts a Chromium with an ephemeral debugging port. It does
// not wait for the browser: Chromium announces the port by writing
// DevToolsActivePort into the user data dir, and any stale copy is removed
// first so discovery cannot pick up a previous run.
func LaunchChrome(opts LaunchOptions) (*RunningChrome, error) {
	exe, err := FindChromeExecutable(opts.ExecutablePath)
	if err != nil {
		return nil, err
	}

	userDataDir := opts.userDataDir()
	if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create user data dir: %w", err)
	}
	if err := os.Remove(filepath.Join(userDataDir, ActivePortFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale %s: %w", ActivePortFile, err)
	}

	cmd := exec.Command(exe.Path, buildChromeArgs(userDataDir, opts)...)
	setChromeProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start Chrome: %w", err)
	}

	running := &RunningChrome{
		PID:         cmd.Process.Pid,
		Executable:  exe,
		UserDataDir: userDataDir,
		StartedAt:   time.Now(),
		cmd:         cmd,
		exited:      make(chan struct{}),
	}
	go func() {
		running.exitErr = cmd.Wait()
		close(running.exited)
	}()

	logging.Named("browser").Info("launched browser",
		zap.String("kind", string(exe.Kind)),
		zap.String("path", exe.Path),
		zap.Int("pid", running.PID),
		zap.String("userDataDir", userDataDir))
	return running, nil
}

// StopChrome terminates the browser's process group, killing it if it has
// not exited after timeout.
func StopChrome(running *RunningChrome, timeout time.Duration) error {
	if running == nil || running.cmd == nil || running.cmd.Process == nil {
		return nil
	}
	var err error
	running.stopOnce.Do(func() {
		signalChromeProcessGroup(running.cmd, false)
		select {
		case <-running.exited:
		case <-time.After(timeout):
			signalChromeProcessGroup(running.cmd, true)
			<-running.exited
			err = fmt.Errorf("browser did not exit within %s, killed", timeout)
		}
	})
	return err
}

func buildChromeArgs(userDataDir string, opts LaunchOptions) []string {
	args := []string{
		"--remote-debugging-port=0",
		fmt.Sprintf("--user-data-dir=%s", userDataDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-sync",
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-features=Translate,MediaRouter",
		"--disable-session-crashed-bubble",
		"--hide-crash-restore-bubble",
		"--password-store=basic",
	}

	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}

	if opts.NoSandbox {
		args = append(args, "--no-sandbox", "--disable-setuid-sandbox")
	}

	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}

	args = append(args, opts.ExtraArgs...)

	// One blank tab so the browser has a page target from the start
	return append(args, "about:blank")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
