package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/battery"
	_ "github.com/DalavanCloud/randomness-testing-toolkit/internal/battery/dieharder"
	rttconfig "github.com/DalavanCloud/randomness-testing-toolkit/internal/config"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/evaluation"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/metrics"
	rttmqtt "github.com/DalavanCloud/randomness-testing-toolkit/internal/mqtt"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/precheck"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/storage"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/storage/file"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/storage/postgres"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/supervisor"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const storageTimeout = 2 * time.Minute

var (
	loadConfigFunc       = loadConfig
	openPostgresFunc     = openPostgres
	connectMQTTFunc      = connectMQTTWithRetry
	newMetricsServerFunc = func(addr string) metricsServer {
		return metrics.NewServer(addr, nil)
	}
	newPublisherFunc = func(cfg rttmqtt.Config) (publisher, error) {
		return rttmqtt.NewPublisher(cfg)
	}
	sleepFunc = time.Sleep
)

type metricsServer interface {
	Start() error
	StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error
	Shutdown(context.Context) error
}

type publisher interface {
	storage.Sink
	Connect() error
	Close() error
}

// usageError marks failures caused by the command line itself.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// options are the validated command-line arguments of one run.
type options struct {
	kind       battery.Kind
	inputPath  string
	configPath string
	tests      []int
	db         bool
	mqtt       bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if err := godotenv.Overload(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	app := newApp(stdout, stderr)
	err := app.Run(append([]string{app.Name}, args...))
	if err == nil {
		return 0
	}

	_, _ = fmt.Fprintf(stderr, "%v\n", err)
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	return 1
}

func newApp(stdout, stderr io.Writer) *cli.App {
	names := make([]string, 0, len(battery.Kinds()))
	for _, k := range battery.Kinds() {
		names = append(names, k.String())
	}

	return &cli.App{
		Name:            "rtt",
		Usage:           "Randomness Testing Toolkit",
		Description:     "rtt runs a statistical test battery over a file of random data and reports the verdict of every test",
		Writer:          stdout,
		ErrWriter:       stderr,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "battery",
				Aliases: []string{"b"},
				Usage:   "battery to run (" + strings.Join(names, ", ") + ")",
			},
			&cli.StringFlag{
				Name:      "file",
				Aliases:   []string{"f"},
				Usage:     "input file with the random data to test",
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:      "config",
				Aliases:   []string{"c"},
				Usage:     "battery settings file",
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:    "test",
				Aliases: []string{"t"},
				Usage:   "run only the given test constant (e.g. 5 or 200-202)",
			},
			&cli.BoolFlag{
				Name:  "db",
				Usage: "store results in PostgreSQL (RTT_DB_URL)",
			},
			&cli.BoolFlag{
				Name:  "mqtt",
				Usage: "publish results to the MQTT broker (MQTT_BROKER_URL)",
			},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return &usageError{err: err}
		},
		// errors are mapped to exit codes by run
		ExitErrHandler: func(*cli.Context, error) {},
		Action:         runAction,
	}
}

func parseOptions(c *cli.Context) (options, error) {
	if c.NArg() > 0 {
		return options{}, usagef("unexpected arguments: %v", c.Args().Slice())
	}

	var opts options
	for _, name := range []string{"battery", "file", "config"} {
		if strings.TrimSpace(c.String(name)) == "" {
			return opts, usagef("flag --%s is required", name)
		}
	}

	kind, err := battery.ParseKind(c.String("battery"))
	if err != nil {
		return opts, &usageError{err: err}
	}
	opts.kind = kind

	opts.inputPath = c.String("file")
	info, err := os.Stat(opts.inputPath)
	if err != nil {
		return opts, usagef("input file: %w", err)
	}
	if info.IsDir() {
		return opts, usagef("input file %s is a directory", opts.inputPath)
	}
	opts.configPath = c.String("config")

	if raw := c.String("test"); raw != "" {
		tests, err := rttconfig.ParseTestConstants([]string{raw})
		if err != nil {
			return opts, &usageError{err: err}
		}
		opts.tests = tests
	}

	opts.db = c.Bool("db")
	opts.mqtt = c.Bool("mqtt")
	return opts, nil
}

func runAction(c *cli.Context) error {
	opts, err := parseOptions(c)
	if err != nil {
		return err
	}

	config, err := loadConfigFunc()
	if err != nil {
		return err
	}
	if opts.db {
		config.Storage.DBEnabled = true
	}
	if opts.mqtt {
		config.MQTT.Enabled = true
	}
	if config.Storage.DBEnabled && config.Storage.DBURL == "" {
		return errors.New("config: RTT_DB_URL is required for --db")
	}

	if config.Metrics.Enabled {
		stop := startMetricsServer(config.Metrics)
		defer stop()
	}

	result, err := execute(c.Context, config, opts)
	if result != nil {
		printSummary(c.App.Writer, result)
	}
	return err
}

// execute runs one battery over the input file and hands the result tree to
// every enabled sink. A non-nil result is returned whenever the battery ran.
func execute(ctx context.Context, config rttconfig.Config, opts options) (*evaluation.BatteryResult, error) {
	settings, err := rttconfig.LoadBatterySettings(opts.configPath)
	if err != nil {
		return nil, err
	}
	bat, err := battery.New(opts.kind, settings)
	if err != nil {
		return nil, err
	}
	units, err := bat.Units(opts.inputPath, opts.tests)
	if err != nil {
		return nil, err
	}

	var report *precheck.Report
	if config.Precheck.Enabled {
		report = runPrecheck(opts.inputPath, config.Precheck)
	}

	evaluator, err := evaluation.NewEvaluator(evaluation.Config{
		Alpha:   config.Evaluation.Alpha,
		Epsilon: config.Evaluation.Epsilon,
	})
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(supervisor.Config{
		MaxConcurrency: config.Runner.MaxParallel,
		ProcessTimeout: config.Runner.ProcessTimeout,
	}, supervisor.WithMessageLifter(bat))
	if err != nil {
		return nil, err
	}

	log.Printf("rtt: running %s over %s (%d tests)", bat.Kind(), opts.inputPath, len(units))
	sup.ExecuteAll(units)

	result := evaluator.Evaluate(bat.Kind(), opts.inputPath, units, bat.Parser(), bat.StatisticName())
	result.Precheck = report

	storeCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()

	sinks, openErr := openSinks(storeCtx, config)
	if sinks == nil {
		return result, openErr
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Printf("storage: close: %v", err)
		}
	}()

	var errs *multierror.Error
	if openErr != nil {
		errs = multierror.Append(errs, openErr)
	}
	if err := sinks.Write(storeCtx, result); err != nil {
		errs = multierror.Append(errs, err)
	}
	return result, errs.ErrorOrNil()
}

func runPrecheck(path string, cfg rttconfig.Precheck) *precheck.Report {
	pcCfg := precheck.DefaultConfig()
	pcCfg.MaxBytes = cfg.MaxBytes

	report, err := precheck.CheckFile(path, pcCfg)
	if err != nil {
		log.Printf("precheck: skipped: %v", err)
		return nil
	}
	if !report.Passed() {
		log.Printf("precheck: warning, input failed %s over %d bytes", strings.Join(report.Failures(), ", "), report.Bytes)
	}
	return report
}

// openSinks builds the storage fan-out. The file sink is always part of it;
// a database that cannot be opened is reported next to the usable sinks.
func openSinks(ctx context.Context, config rttconfig.Config) (*storage.Multi, error) {
	fileSink, err := file.New(config.Storage.ReportDir, config.Storage.MainTable)
	if err != nil {
		return nil, err
	}
	sinks := []storage.Sink{fileSink}

	var openErr error
	if config.Storage.DBEnabled {
		store, err := openPostgresFunc(ctx, config.Storage)
		if err != nil {
			openErr = err
		} else {
			sinks = append(sinks, store)
		}
	}

	if config.MQTT.Enabled {
		pub, err := connectMQTTFunc(config.MQTT)
		if err != nil {
			// the report is still written; the notifier is best effort
			log.Printf("mqtt: %v", err)
		} else {
			sinks = append(sinks, pub)
		}
	}

	return storage.NewMulti(sinks...), openErr
}

func openPostgres(ctx context.Context, cfg rttconfig.Storage) (storage.Sink, error) {
	store, err := postgres.Open(ctx, cfg.DBURL, cfg.DBPassword)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// setupMQTT creates the result publisher and connects it.
func setupMQTT(cfg rttconfig.MQTT) (publisher, error) {
	pub, err := newPublisherFunc(rttmqtt.Config{
		BrokerURL:   cfg.BrokerURL,
		ClientID:    cfg.ClientID,
		TopicPrefix: cfg.TopicPrefix,
		QoS:         cfg.QoS,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLSCAFile:   cfg.TLSCAFile,
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt init: %w", err)
	}
	if err := pub.Connect(); err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	log.Printf("mqtt: connected -> %s, publishing below %s (QoS=%d)", cfg.BrokerURL, cfg.TopicPrefix, cfg.QoS)
	return pub, nil
}

// connectMQTTWithRetry tries setupMQTT a bounded number of times with
// exponential back-off and jitter.
func connectMQTTWithRetry(cfg rttconfig.MQTT) (publisher, error) {
	const (
		maxAttempts    = 4
		initialDelay   = 1 * time.Second
		maxDelay       = 8 * time.Second
		jitterFraction = 0.2
	)

	delay := initialDelay
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter only

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pub, err := setupMQTT(cfg)
		if err == nil {
			return pub, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		jitter := time.Duration((rng.Float64()*2 - 1) * jitterFraction * float64(delay))
		log.Printf("mqtt: attempt %d failed: %v (retrying in %s)", attempt, err, delay+jitter)
		sleepFunc(delay + jitter)

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, fmt.Errorf("mqtt: giving up after %d attempts: %w", maxAttempts, lastErr)
}

func loadConfig() (rttconfig.Config, error) {
	config, err := rttconfig.Load()
	if err != nil {
		return config, err
	}
	log.Printf("environment: %s", config.Environment)
	return config, nil
}

// startMetricsServer serves metrics in the background for the duration of
// the run and returns the function stopping it.
func startMetricsServer(cfg rttconfig.Metrics) func() {
	server := newMetricsServerFunc(cfg.Bind)
	go func() {
		var err error
		if cfg.TLSEnabled {
			err = server.StartTLS(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile, parseClientAuth(cfg.TLSClientAuth))
		} else {
			err = server.Start()
		}
		if err != nil {
			log.Printf("metrics: failed to start server: %v", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics: shutdown error: %v", err)
		}
	}
}

// parseClientAuth maps a configuration string to the corresponding
// tls.ClientAuthType. Unrecognised values default to tls.NoClientCert.
func parseClientAuth(mode string) tls.ClientAuthType {
	switch mode {
	case "require":
		return tls.RequireAndVerifyClientCert
	case "request":
		return tls.RequestClientCert
	default:
		return tls.NoClientCert
	}
}

func printSummary(w io.Writer, result *evaluation.BatteryResult) {
	passedStats, totalStats := result.StatisticCounts()
	_, _ = fmt.Fprintf(w, "%s on %s: %d/%d tests passed, %d/%d statistics passed\n",
		result.Battery, result.InputPath, result.PassedTests(), result.TotalTests(), passedStats, totalStats)
	for _, t := range result.Anomalies() {
		_, _ = fmt.Fprintf(w, "  %s could not be evaluated: %v\n", t.Name, t.Err)
	}
	if result.Precheck != nil && !result.Precheck.Passed() {
		_, _ = fmt.Fprintf(w, "  input pre-check failed: %s\n", strings.Join(result.Precheck.Failures(), ", "))
	}
}
