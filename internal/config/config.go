package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read before the environment when present.
const DefaultEnvFile = ".env"

// Config represents runtime configuration sourced from environment variables
// and command line flags.
type Config struct {
	// PID of an existing process to trace. Mutually exclusive with Command.
	PID int32
	// Command is spawned and traced when PID is zero.
	Command []string

	RefreshInterval    time.Duration
	HistoryLength      int
	InterpolationSteps int
	TreeDepth          int
	NoUI               bool
	Autoscale          bool
	LogLevel           slog.Level
	// LogFile receives logs; empty selects tracetop.log for the terminal UI
	// and stderr otherwise.
	LogFile string

	GPU        GPUConfig
	Alerts     AlertConfig
	Export     ExportConfig
	ClickHouse ClickHouseConfig
	HTTP       HTTPConfig
	WS         WebsocketConfig
}

// GPUConfig controls GPU telemetry.
type GPUConfig struct {
	Enable    bool
	ToolPath  string
	Devices   []int
	Processes bool
	Metrics   []string
}

// AlertConfig holds warning and critical thresholds.
type AlertConfig struct {
	Enable       bool
	TempWarning  float64
	TempCritical float64
	MemWarning   float64
	MemCritical  float64
	UtilWarning  float64
	UtilCritical float64
}

// ExportConfig selects file outputs.
type ExportConfig struct {
	Path       string
	Format     string
	ReportPath string
}

// ClickHouseConfig enables the ClickHouse sink when Addr is set.
type ClickHouseConfig struct {
	Addr      string
	Database  string
	Username  string
	Password  string
	BatchSize int
}

// HTTPConfig enables the HTTP server when ListenAddr is set.
type HTTPConfig struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		RefreshInterval:    time.Second,
		HistoryLength:      5000,
		InterpolationSteps: 50,
		TreeDepth:          2,
		Autoscale:          true,
		LogLevel:           slog.LevelInfo,
		GPU: GPUConfig{
			Enable:    true,
			ToolPath:  "nvidia-smi",
			Processes: true,
			Metrics:   []string{"memory", "utilization", "temperature", "power", "clocks", "processes"},
		},
		Alerts: AlertConfig{
			TempWarning:  80,
			TempCritical: 90,
			MemWarning:   80,
			MemCritical:  95,
			UtilWarning:  90,
			UtilCritical: 95,
		},
		ClickHouse: ClickHouseConfig{
			Database:  "default",
			Username:  "default",
			BatchSize: 10,
		},
		HTTP: HTTPConfig{
			AllowedOrigins:   []string{"*"},
			EnablePrometheus: true,
		},
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
		},
	}
}

// Load reads the optional env file named by APP_ENV_FILE (DefaultEnvFile
// when unset) and then parses APP_* variables over the defaults. Variables
// already present in the environment win over the env file.
func Load() (Config, error) {
	envFile := DefaultEnvFile
	if value := strings.TrimSpace(os.Getenv("APP_ENV_FILE")); value != "" {
		envFile = value
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	l := loader{}

	if pid := l.getInt("APP_PID", int(cfg.PID)); pid != 0 {
		cfg.PID = int32(pid)
	}
	cfg.RefreshInterval = l.getDuration("APP_REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.HistoryLength = l.getInt("APP_HISTORY_LENGTH", cfg.HistoryLength)
	cfg.InterpolationSteps = l.getInt("APP_INTERPOLATION_STEPS", cfg.InterpolationSteps)
	cfg.TreeDepth = l.getInt("APP_TREE_DEPTH", cfg.TreeDepth)
	cfg.NoUI = l.getBool("APP_NO_UI", cfg.NoUI)
	cfg.Autoscale = l.getBool("APP_AUTOSCALE", cfg.Autoscale)
	cfg.LogFile = l.getString("APP_LOG_FILE", cfg.LogFile)

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := ParseLogLevel(value)
		if err != nil {
			l.fail("APP_LOG_LEVEL", err)
		}
		cfg.LogLevel = level
	}

	cfg.GPU.Enable = l.getBool("APP_GPU_ENABLE", cfg.GPU.Enable)
	cfg.GPU.ToolPath = l.getString("APP_GPU_TOOL", cfg.GPU.ToolPath)
	cfg.GPU.Processes = l.getBool("APP_GPU_PROCESSES", cfg.GPU.Processes)
	if value := strings.TrimSpace(os.Getenv("APP_GPU_DEVICES")); value != "" {
		devices, err := ParseDevices(value)
		if err != nil {
			l.fail("APP_GPU_DEVICES", err)
		}
		cfg.GPU.Devices = devices
	}
	if value := strings.TrimSpace(os.Getenv("APP_GPU_METRICS")); value != "" {
		cfg.GPU.Metrics = splitAndTrim(value, ",")
	}

	cfg.Alerts.Enable = l.getBool("APP_ALERTS", cfg.Alerts.Enable)
	cfg.Alerts.TempWarning = l.getFloat("APP_TEMP_WARNING", cfg.Alerts.TempWarning)
	cfg.Alerts.TempCritical = l.getFloat("APP_TEMP_CRITICAL", cfg.Alerts.TempCritical)
	cfg.Alerts.MemWarning = l.getFloat("APP_MEM_WARNING", cfg.Alerts.MemWarning)
	cfg.Alerts.MemCritical = l.getFloat("APP_MEM_CRITICAL", cfg.Alerts.MemCritical)
	cfg.Alerts.UtilWarning = l.getFloat("APP_UTIL_WARNING", cfg.Alerts.UtilWarning)
	cfg.Alerts.UtilCritical = l.getFloat("APP_UTIL_CRITICAL", cfg.Alerts.UtilCritical)

	cfg.Export.Path = l.getString("APP_EXPORT_PATH", cfg.Export.Path)
	cfg.Export.Format = l.getString("APP_EXPORT_FORMAT", cfg.Export.Format)
	cfg.Export.ReportPath = l.getString("APP_REPORT_PATH", cfg.Export.ReportPath)

	cfg.ClickHouse.Addr = l.getString("APP_CLICKHOUSE_ADDR", cfg.ClickHouse.Addr)
	cfg.ClickHouse.Database = l.getString("APP_CLICKHOUSE_DATABASE", cfg.ClickHouse.Database)
	cfg.ClickHouse.Username = l.getString("APP_CLICKHOUSE_USER", cfg.ClickHouse.Username)
	cfg.ClickHouse.Password = l.getString("APP_CLICKHOUSE_PASSWORD", cfg.ClickHouse.Password)
	cfg.ClickHouse.BatchSize = l.getInt("APP_CLICKHOUSE_BATCH_SIZE", cfg.ClickHouse.BatchSize)

	cfg.HTTP.ListenAddr = l.getString("APP_LISTEN_ADDR", cfg.HTTP.ListenAddr)
	cfg.HTTP.EnablePrometheus = l.getBool("APP_ENABLE_PROMETHEUS", cfg.HTTP.EnablePrometheus)
	cfg.HTTP.EnablePprof = l.getBool("APP_ENABLE_PPROF", cfg.HTTP.EnablePprof)
	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			l.fail("APP_ALLOWED_ORIGINS", errors.New("must not be empty"))
		}
		cfg.HTTP.AllowedOrigins = origins
	}

	cfg.WS.MaxClients = l.getInt("APP_WS_MAX_CLIENTS", cfg.WS.MaxClients)
	cfg.WS.WriteTimeout = l.getDuration("APP_WS_WRITE_TIMEOUT", cfg.WS.WriteTimeout)

	if l.err != nil {
		return Config{}, l.err
	}
	return cfg, nil
}

// Validate checks values after env and flag overrides are applied.
func (c Config) Validate() error {
	var errs []error
	if c.PID == 0 && len(c.Command) == 0 {
		errs = append(errs, errors.New("either a pid or a command to run is required"))
	}
	if c.PID != 0 && len(c.Command) > 0 {
		errs = append(errs, errors.New("pid and command are mutually exclusive"))
	}
	if c.PID < 0 {
		errs = append(errs, fmt.Errorf("pid must be > 0, got %d", c.PID))
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, errors.New("refresh interval must be > 0"))
	}
	if c.HistoryLength <= 0 {
		errs = append(errs, errors.New("history length must be > 0"))
	}
	if c.InterpolationSteps <= 0 {
		errs = append(errs, errors.New("interpolation steps must be > 0"))
	}
	if c.TreeDepth == 0 || c.TreeDepth < -1 {
		errs = append(errs, fmt.Errorf("tree depth must be >= 1 or -1, got %d", c.TreeDepth))
	}
	if c.Alerts.TempWarning > c.Alerts.TempCritical ||
		c.Alerts.MemWarning > c.Alerts.MemCritical ||
		c.Alerts.UtilWarning > c.Alerts.UtilCritical {
		errs = append(errs, errors.New("alert warning thresholds must not exceed critical thresholds"))
	}
	if c.ClickHouse.BatchSize <= 0 {
		errs = append(errs, errors.New("clickhouse batch size must be > 0"))
	}
	if c.WS.MaxClients <= 0 {
		errs = append(errs, errors.New("websocket max clients must be > 0"))
	}
	if c.WS.WriteTimeout <= 0 {
		errs = append(errs, errors.New("websocket write timeout must be > 0"))
	}
	return errors.Join(errs...)
}

// loader parses typed variables and keeps the first error.
type loader struct {
	err error
}

func (l *loader) fail(name string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("parse %s: %w", name, err)
	}
}

func (l *loader) getString(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func (l *loader) getInt(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		l.fail(name, err)
		return fallback
	}
	return n
}

func (l *loader) getFloat(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.fail(name, err)
		return fallback
	}
	return f
}

func (l *loader) getBool(name string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		l.fail(name, err)
		return fallback
	}
	return b
}

func (l *loader) getDuration(name string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.fail(name, err)
		return fallback
	}
	return d
}

// ParseDevices parses a comma separated list of device indices.
func ParseDevices(value string) ([]int, error) {
	var out []int
	for _, item := range splitAndTrim(value, ",") {
		idx, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", item, err)
		}
		if idx < 0 {
			return nil, fmt.Errorf("device %d must be >= 0", idx)
		}
		out = append(out, idx)
	}
	return out, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParseLogLevel maps DEBUG, INFO, WARN and ERROR to slog levels.
func ParseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
