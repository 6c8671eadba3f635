package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/neboloop/cdpproxy/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g. CDPPROXY_PROXY_PORT.
const EnvPrefix = "CDPPROXY"

type Config struct {
	Proxy        ProxyConfig        `yaml:"proxy" envconfig:"PROXY"`
	Discovery    DiscoveryConfig    `yaml:"discovery" envconfig:"DISCOVERY"`
	Registration RegistrationConfig `yaml:"registration" envconfig:"REGISTRATION"`
	Navigate     NavigateConfig     `yaml:"navigate" envconfig:"NAVIGATE"`
	Browser      BrowserConfig      `yaml:"browser" envconfig:"BROWSER"`
	Views        ViewsConfig        `yaml:"views" envconfig:"VIEWS"`
	Log          logging.Config     `yaml:"log" envconfig:"LOG"`
	Metrics      MetricsConfig      `yaml:"metrics" envconfig:"METRICS"`
}

type ProxyConfig struct {
	Host string `yaml:"host" envconfig:"HOST"`
	// Port 0 picks an ephemeral port.
	Port         int    `yaml:"port" envconfig:"PORT"`
	RendererURL  string `yaml:"rendererURL" envconfig:"RENDERER_URL"`
	BrowserToken string `yaml:"browserToken" envconfig:"BROWSER_TOKEN"`
}

type DiscoveryConfig struct {
	// ActivePortFile is the DevToolsActivePort path. Empty means the launched
	// browser's user data dir.
	ActivePortFile string        `yaml:"activePortFile" envconfig:"ACTIVE_PORT_FILE"`
	Attempts       int           `yaml:"attempts" envconfig:"ATTEMPTS"`
	Interval       time.Duration `yaml:"interval" envconfig:"INTERVAL"`
}

type RegistrationConfig struct {
	Attempts int           `yaml:"attempts" envconfig:"ATTEMPTS"`
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL"`
}

type NavigateConfig struct {
	Settle  time.Duration `yaml:"settle" envconfig:"SETTLE"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

type BrowserConfig struct {
	Launch         bool     `yaml:"launch" envconfig:"LAUNCH"`
	ExecutablePath string   `yaml:"executablePath" envconfig:"EXECUTABLE_PATH"`
	Headless       bool     `yaml:"headless" envconfig:"HEADLESS"`
	NoSandbox      bool     `yaml:"noSandbox" envconfig:"NO_SANDBOX"`
	UserDataDir    string   `yaml:"userDataDir" envconfig:"USER_DATA_DIR"`
	ExtraArgs      []string `yaml:"extraArgs" envconfig:"EXTRA_ARGS"`
}

type ViewsConfig struct {
	PlaceholderURL string `yaml:"placeholderURL" envconfig:"PLACEHOLDER_URL"`
}

type MetricsConfig struct {
	// Addr enables the metrics listener when non-empty, e.g. 127.0.0.1:9464.
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			Host:         "127.0.0.1",
			BrowserToken: "cdpproxy",
		},
		Discovery: DiscoveryConfig{
			Attempts: 30,
			Interval: 100 * time.Millisecond,
		},
		Registration: RegistrationConfig{
			Attempts: 5,
			Interval: 150 * time.Millisecond,
		},
		Navigate: NavigateConfig{
			Settle:  500 * time.Millisecond,
			Timeout: 3 * time.Second,
		},
		Browser: BrowserConfig{
			Launch:   true,
			Headless: true,
		},
		Views: ViewsConfig{
			PlaceholderURL: "about:blank",
		},
		Log: logging.Config{
			Level:       "info",
			Development: true,
		},
	}
}

// LoadFromBytes loads configuration from YAML bytes with environment variable
// expansion, on top of Default. Environment overrides are not applied.
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	if err := overlay(&c, data); err != nil {
		return c, err
	}
	return c, nil
}

// Load layers the embedded document, an optional file and CDPPROXY_*
// environment overrides, then validates the result.
func Load(embedded []byte, path string) (Config, error) {
	c, err := LoadFromBytes(embedded)
	if err != nil {
		return c, fmt.Errorf("embedded config: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := overlay(&c, data); err != nil {
			return c, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return c, fmt.Errorf("environment: %w", err)
	}
	return c, c.Validate()
}

func overlay(c *Config, data []byte) error {
	expanded := os.ExpandEnv(string(data))
	return yaml.Unmarshal([]byte(expanded), c)
}

// Validate reports settings the proxy cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port %d out of range", c.Proxy.Port))
	}
	if !isLoopback(c.Proxy.Host) {
		errs = append(errs, fmt.Errorf("proxy.host %q must be a loopback address", c.Proxy.Host))
	}
	if c.Proxy.BrowserToken == "" {
		errs = append(errs, errors.New("proxy.browserToken must not be empty"))
	}
	if c.Discovery.Attempts <= 0 || c.Discovery.Interval <= 0 {
		errs = append(errs, errors.New("discovery.attempts and discovery.interval must be positive"))
	}
	if c.Registration.Attempts <= 0 || c.Registration.Interval <= 0 {
		errs = append(errs, errors.New("registration.attempts and registration.interval must be positive"))
	}
	if c.Navigate.Timeout <= 0 || c.Navigate.Settle < 0 {
		errs = append(errs, errors.New("navigate.timeout must be positive"))
	}
	if c.Discovery.ActivePortFile == "" && !c.Browser.Launch {
		errs = append(errs, errors.New("discovery.activePortFile is required when browser.launch is off"))
	}
	return errors.Join(errs...)
}

// isLoopback reports whether host only accepts local connections.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
