// zapcontrol - ZAP scan orchestration and risk engine
//
// Usage:
//
//	zapcontrol [-config zapcontrol.yaml] <command> [flags]
//
// Commands:
//
//	migrate                     create or upgrade the database schema
//	seed -file catalog.yaml     create projects, targets, profiles, nodes and jobs
//	worker                      run the worker pool, scheduler and node health loop
//	schedule                    enqueue runs for due jobs once
//	enqueue -job N              enqueue a manual run
//	claim-once                  claim and execute a single queued run
//	healthcheck                 check every enabled scanner node once
//	ingest -job N -file F       import a ZAP JSON alert file as a completed run
//	compare -from A -to B       compare the findings of two runs
//	raw -run N                  print the stored raw alerts of a run
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/zapcontrol/pkg/audit"
	"github.com/exploopio/zapcontrol/pkg/core"
	"github.com/exploopio/zapcontrol/pkg/engine"
	"github.com/exploopio/zapcontrol/pkg/health"
	"github.com/exploopio/zapcontrol/pkg/scheduler"
	"github.com/exploopio/zapcontrol/pkg/store"
	"github.com/exploopio/zapcontrol/pkg/worker"
	"github.com/exploopio/zapcontrol/pkg/zap"
)

const (
	appName    = "zapcontrol"
	appVersion = "1.0.0"
)

// Config is the service configuration file.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Store     *store.Config        `yaml:"store"`
	ZAP       *zap.Config          `yaml:"zap"`
	Engine    *engine.Config       `yaml:"engine"`
	Worker    *worker.Config       `yaml:"worker"`
	Scheduler *scheduler.Config    `yaml:"scheduler"`
	Audit     *audit.LoggerConfig  `yaml:"audit"`
	Health    *health.ServerConfig `yaml:"health"`

	NodeHealth struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"node_health"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`

		// RefreshInterval is how often the run status gauges are recomputed.
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"metrics"`

	// ShutdownTimeout bounds how long running scans may finish after a
	// shutdown signal before they are aborted.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func defaultConfig() *Config {
	cfg := &Config{
		LogLevel:        "info",
		Store:           store.DefaultConfig(),
		ZAP:             zap.DefaultConfig(),
		Engine:          engine.DefaultConfig(),
		Worker:          worker.DefaultConfig(),
		Scheduler:       scheduler.DefaultConfig(),
		Audit:           audit.DefaultLoggerConfig(),
		Health:          health.DefaultServerConfig(),
		ShutdownTimeout: 30 * time.Second,
	}
	cfg.NodeHealth.Interval = time.Minute
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"
	cfg.Metrics.RefreshInterval = 30 * time.Second
	return cfg
}

func loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables in config
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// command is one subcommand. run receives the arguments after its name.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, app *app, args []string) error
}

var commands = []command{
	{"migrate", "create or upgrade the database schema", runMigrate},
	{"seed", "create catalog entries from a YAML file", runSeed},
	{"worker", "run the worker pool, scheduler and node health loop", runWorker},
	{"schedule", "enqueue runs for due jobs once", runSchedule},
	{"enqueue", "enqueue a manual run for a job", runEnqueue},
	{"claim-once", "claim and execute a single queued run", runClaimOnce},
	{"healthcheck", "check every enabled scanner node once", runHealthcheck},
	{"ingest", "import a ZAP JSON alert file as a completed run", runIngest},
	{"compare", "compare the findings of two runs", runCompare},
	{"raw", "print the stored raw alerts of a run", runRaw},
}

func main() {
	configPath := flag.String("config", "", "Path to config file (or ZAPCONTROL_CONFIG env)")
	dbPath := flag.String("db", "", "Database path (overrides config)")
	verbose := flag.Bool("verbose", false, "Verbose output")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg := defaultConfig()
	path := getEnvOrFlag(*configPath, "ZAPCONTROL_CONFIG")
	if path != "" {
		if err := loadConfig(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	if *dbPath != "" {
		cfg.Store.DatabasePath = *dbPath
	}
	if *verbose {
		cfg.LogLevel = "debug"
		cfg.Audit.Verbose = true
	}

	name := flag.Arg(0)
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	err = cmd.run(ctx, a, flag.Args()[1:])
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [command flags]\n\nFlags:\n", appName)
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "\nCommands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.summary)
	}
}

func getEnvOrFlag(flagVal, envName string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv(envName)
}

// app holds the components shared by all commands.
type app struct {
	cfg     *Config
	logger  *core.DefaultLogger
	store   *store.Store
	clients *zap.ClientFactory
	audit   audit.Recorder

	auditLog *audit.Logger
}

func newApp(cfg *Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: core.NewDefaultLogger(appName, core.ParseLogLevel(cfg.LogLevel)),
		audit:  audit.Nop{},
	}

	s, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = s

	zapCfg := *cfg.ZAP
	zapCfg.Logger = a.logger.With("zap")
	a.clients = zap.NewClientFactory(&zapCfg)

	if cfg.Audit.LogFile != "" {
		l, err := audit.NewLogger(cfg.Audit)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		l.Start()
		a.auditLog = l
		a.audit = l
	}
	return a, nil
}

// componentLogger returns a logger for one component at the configured level.
func (a *app) componentLogger(prefix string) core.Logger {
	return a.logger.With(prefix)
}

func (a *app) Close() error {
	var err error
	if a.auditLog != nil {
		err = a.auditLog.Stop()
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
