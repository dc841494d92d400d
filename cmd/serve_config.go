package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/giantswarm/clusterlink/internal/applier"
	"github.com/giantswarm/clusterlink/internal/cluster"
	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/logging"
	"github.com/giantswarm/clusterlink/internal/server"
	"github.com/giantswarm/clusterlink/internal/server/middleware"
)

// Environment variables read when the matching flag is not set.
const (
	envKubeconfig      = "KUBECONFIG"
	envLogLevel        = "LOG_LEVEL"
	envLogFormat       = "LOG_FORMAT"
	envAddr            = "CLUSTERLINK_ADDR"
	envMetricsAddr     = "CLUSTERLINK_METRICS_ADDR"
	envKubectl         = "CLUSTERLINK_KUBECTL"
	envTokenTTL        = "CLUSTERLINK_TOKEN_TTL"
	envHTTPSProxy      = "CLUSTERLINK_HTTPS_PROXY"
	envAllowedOrigins  = "CLUSTERLINK_ALLOWED_ORIGINS"
	envMaxRequestBytes = "CLUSTERLINK_MAX_REQUEST_BYTES"
)

// Defaults for the serve command.
const (
	defaultAddr            = "127.0.0.1:8999"
	defaultMetricsAddr     = "127.0.0.1" + server.DefaultMetricsAddr
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultMaxRequestBytes = 32 << 20
	minTokenTTL            = time.Minute
)

// ServeConfig holds all configuration for the serve command.
type ServeConfig struct {
	// Kubeconfigs are the files whose contexts become clusters.
	Kubeconfigs []string

	// Proxy listener
	Addr            string
	AllowedOrigins  []string
	MaxRequestBytes int64
	EnableHSTS      bool

	// Metrics listener, started only when instrumentation is enabled
	MetricsAddr    string
	MetricsEnabled bool

	// Cluster sessions
	Kubectl    string
	TokenTTL   time.Duration
	HTTPSProxy string

	LogLevel  string
	LogFormat string
}

// Validate checks that the configuration can be served.
func (c *ServeConfig) Validate() error {
	var errs []error

	if len(c.Kubeconfigs) == 0 {
		errs = append(errs, errors.New("at least one kubeconfig is required"))
	}
	if err := validateListenAddr(c.Addr); err != nil {
		errs = append(errs, fmt.Errorf("addr: %w", err))
	}
	if c.MetricsEnabled {
		if err := validateListenAddr(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics addr: %w", err))
		} else if c.MetricsAddr == c.Addr {
			errs = append(errs, errors.New("metrics addr must differ from the proxy addr"))
		}
	}
	if c.Kubectl == "" {
		errs = append(errs, errors.New("kubectl binary must not be empty"))
	}
	if c.TokenTTL < minTokenTTL {
		errs = append(errs, fmt.Errorf("token ttl must be at least %s, got %s", minTokenTTL, c.TokenTTL))
	}
	if c.HTTPSProxy != "" {
		if err := validateProxyURL(c.HTTPSProxy); err != nil {
			errs = append(errs, err)
		}
	}
	if c.MaxRequestBytes < 0 {
		errs = append(errs, fmt.Errorf("max request bytes must not be negative, got %d", c.MaxRequestBytes))
	}
	if _, err := logging.New(os.Stderr, c.LogLevel, c.LogFormat); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validateListenAddr(addr string) error {
	if addr == "" {
		return errors.New("must not be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return nil
}

func validateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("https proxy must be a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("https proxy must use http or https scheme, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("https proxy must include a host, got %q", raw)
	}
	return nil
}

// loadEnvIfEmpty loads an environment variable into a string pointer if it's empty.
func loadEnvIfEmpty(target *string, envKey string) {
	if *target == "" {
		*target = os.Getenv(envKey)
	}
}

// loadEnvIfUnchanged overwrites target with the environment variable when the
// named flag was not set on the command line and the variable is present.
func loadEnvIfUnchanged(cmd *cobra.Command, flag string, target *string, envKey string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v, ok := os.LookupEnv(envKey); ok && v != "" {
		*target = v
	}
}

// parseDurationEnv parses a duration from an environment variable value.
// Logs a warning if the value is present but invalid.
func parseDurationEnv(value, envName string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration in environment", "env", envName, "value", value, logging.Err(err))
		return 0, false
	}
	return d, true
}

// parseInt64Env parses an integer from an environment variable value.
// Logs a warning if the value is present but invalid.
func parseInt64Env(value, envName string) (int64, bool) {
	if value == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		slog.Warn("invalid integer in environment", "env", envName, "value", value, logging.Err(err))
		return 0, false
	}
	return n, true
}

// kubeconfigPaths splits a path list such as $KUBECONFIG, expanding "~" and
// dropping duplicates. An empty list yields the default ~/.kube/config.
func kubeconfigPaths(list string) []string {
	if strings.TrimSpace(list) == "" {
		return []string{clientcmd.RecommendedHomeFile}
	}

	seen := make(map[string]bool)
	var paths []string
	for _, p := range filepath.SplitList(list) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = expandHome(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return []string{clientcmd.RecommendedHomeFile}
	}
	return paths
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// resolveGlobals applies the environment to the persistent flags.
func resolveGlobals() (kubeconfigs []string, level, format string) {
	kubeconfig := globalFlags.kubeconfig
	loadEnvIfEmpty(&kubeconfig, envKubeconfig)

	level = globalFlags.logLevel
	loadEnvIfEmpty(&level, envLogLevel)
	if level == "" {
		level = defaultLogLevel
	}

	format = globalFlags.logFormat
	loadEnvIfEmpty(&format, envLogFormat)
	if format == "" {
		format = defaultLogFormat
	}

	return kubeconfigPaths(kubeconfig), level, format
}

// serveFlags are the raw serve command flags before environment overrides.
type serveFlags struct {
	addr            string
	metricsAddr     string
	kubectl         string
	tokenTTL        time.Duration
	httpsProxy      string
	allowedOrigins  string
	maxRequestBytes int64
	enableHSTS      bool
}

// buildServeConfig merges flags, environment and defaults.
func buildServeConfig(cmd *cobra.Command, f serveFlags) (ServeConfig, error) {
	kubeconfigs, level, format := resolveGlobals()

	loadEnvIfUnchanged(cmd, "addr", &f.addr, envAddr)
	loadEnvIfUnchanged(cmd, "metrics-addr", &f.metricsAddr, envMetricsAddr)
	loadEnvIfUnchanged(cmd, "kubectl", &f.kubectl, envKubectl)
	loadEnvIfUnchanged(cmd, "https-proxy", &f.httpsProxy, envHTTPSProxy)
	loadEnvIfUnchanged(cmd, "allowed-origins", &f.allowedOrigins, envAllowedOrigins)

	if !cmd.Flags().Changed("token-ttl") {
		if d, ok := parseDurationEnv(os.Getenv(envTokenTTL), envTokenTTL); ok {
			f.tokenTTL = d
		}
	}
	if !cmd.Flags().Changed("max-request-bytes") {
		if n, ok := parseInt64Env(os.Getenv(envMaxRequestBytes), envMaxRequestBytes); ok {
			f.maxRequestBytes = n
		}
	}

	origins, err := middleware.ValidateAllowedOrigins(f.allowedOrigins)
	if err != nil {
		return ServeConfig{}, fmt.Errorf("invalid allowed origins: %w", err)
	}

	return ServeConfig{
		Kubeconfigs:     kubeconfigs,
		Addr:            f.addr,
		AllowedOrigins:  origins,
		MaxRequestBytes: f.maxRequestBytes,
		EnableHSTS:      f.enableHSTS,
		MetricsAddr:     f.metricsAddr,
		MetricsEnabled:  instrumentation.DefaultConfig().Enabled,
		Kubectl:         f.kubectl,
		TokenTTL:        f.tokenTTL,
		HTTPSProxy:      f.httpsProxy,
		LogLevel:        level,
		LogFormat:       format,
	}, nil
}

func addServeFlags(cmd *cobra.Command, f *serveFlags) {
	cmd.Flags().StringVar(&f.addr, "addr", defaultAddr, "Proxy listen address ($"+envAddr+")")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", defaultMetricsAddr, "Metrics listen address, used when INSTRUMENTATION_ENABLED=true ($"+envMetricsAddr+")")
	cmd.Flags().StringVar(&f.kubectl, "kubectl", applier.DefaultKubectl, "kubectl binary used by /api/stack ($"+envKubectl+")")
	cmd.Flags().DurationVar(&f.tokenTTL, "token-ttl", cluster.DefaultTokenTTL, "Lifetime of auth proxy session tokens ($"+envTokenTTL+")")
	cmd.Flags().StringVar(&f.httpsProxy, "https-proxy", "", "HTTPS_PROXY passed to kubectl ($"+envHTTPSProxy+")")
	cmd.Flags().StringVar(&f.allowedOrigins, "allowed-origins", "", "Comma-separated browser origins allowed by CORS ($"+envAllowedOrigins+")")
	cmd.Flags().Int64Var(&f.maxRequestBytes, "max-request-bytes", defaultMaxRequestBytes, "Request body limit, 0 disables ($"+envMaxRequestBytes+")")
	cmd.Flags().BoolVar(&f.enableHSTS, "enable-hsts", false, "Send Strict-Transport-Security on plain HTTP, for deployments behind TLS termination")
}
