package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/n0rdy/rmqtools/api"
	"github.com/n0rdy/rmqtools/configs"
	"github.com/n0rdy/rmqtools/db"
	jobsmaintenance "github.com/n0rdy/rmqtools/jobs/maintenance"
	jobsmetrics "github.com/n0rdy/rmqtools/jobs/metrics"
	"github.com/n0rdy/rmqtools/metrics"
	"github.com/n0rdy/rmqtools/rabbitmq"
	"github.com/n0rdy/rmqtools/services"
	"github.com/n0rdy/rmqtools/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const urlEnvVar = "RMQTOOLS_URL"

func main() {
	appConfigs, err := loadConfigs(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogger(appConfigs.Log)

	dbPath := appConfigs.DbPath
	if dbPath == "" {
		dbPath, err = utils.GetOrCreateDefaultDBPath()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get or create default database path")
		}
	}

	if err := db.RunMigrations(dbPath); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	repo, err := db.NewSQLiteRepo(dbPath, appConfigs.Rmq.Vhost)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create SQLite repository")
	}
	defer repo.Close()

	// the counters poller gets its own client, so its failures never trip the breaker the relocation operations use
	relocationClient, err := rabbitmq.NewClient(appConfigs.Rmq)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create RabbitMQ client")
	}
	countersClient, err := rabbitmq.NewClient(appConfigs.Rmq)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create RabbitMQ client")
	}

	metricsService := metrics.NewMetricsService(appConfigs.MetricsEnabled)

	relocationService := services.NewRelocationService(repo, relocationClient, relocationClient.ConnectionInfo(), metricsService)
	countersService := services.NewCountersService(countersClient, appConfigs.Counters, metricsService)
	defer countersService.Close()
	monitoringService := services.NewMonitoringService(repo)

	dbOptimizationJob := jobsmaintenance.NewDbOptimizationJob(repo, appConfigs.JobsIntervals.DbOptimizationMs, appConfigs.JobsIntervals.DbOptimizationMaxMs)
	defer dbOptimizationJob.Close()
	if appConfigs.MetricsEnabled {
		localDepthMetricsJob := jobsmetrics.NewLocalDepthMetricsJob(metricsService, repo, appConfigs.JobsIntervals.LocalDepthMetricsMs)
		defer localDepthMetricsJob.Close()
	}

	router := api.NewRouter(relocationService, countersService, monitoringService, appConfigs.MetricsEnabled, appConfigs.ImportanceLevel, appConfigs.Counters.ViewerWriteWindow)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", appConfigs.Port),
		Handler:           router.NewRouter(),
		WriteTimeout:      appConfigs.ServerConfig.Timeouts.Write,
		ReadTimeout:       appConfigs.ServerConfig.Timeouts.Read,
		ReadHeaderTimeout: appConfigs.ServerConfig.Timeouts.ReadHeader,
		IdleTimeout:       appConfigs.ServerConfig.Timeouts.Idle,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("db_path", dbPath).Msg("server started")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("server shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, closing server")
			if err := server.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close server")
			}
		}
		log.Info().Msg("server shutdown")
	}
}

// loadConfigs applies, in order: defaults, the RMQTOOLS_URL env var, the --config file and the explicitly set flags.
func loadConfigs(args []string) (*configs.AppConfigs, error) {
	appConfigs := configs.NewAppConfig()
	if envUrl := os.Getenv(urlEnvVar); envUrl != "" {
		appConfigs.Rmq.Url = envUrl
	}

	flags := pflag.NewFlagSet("rmqtools", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	rmqUrl := flags.String("url", appConfigs.Rmq.Url, "RabbitMQ management API URL with credentials, env "+urlEnvVar)
	vhost := flags.String("vhost", appConfigs.Rmq.Vhost, "RabbitMQ virtual host")
	serverName := flags.String("server-name", "", "label of the RabbitMQ environment shown by the UI")
	importanceLevel := flags.Uint8("importance-level", 0, "how critical the environment is, shown by the UI")
	port := flags.Int("port", appConfigs.Port, "HTTP port to listen on")
	dbPath := flags.String("db-path", "", "path to the SQLite file, defaults to the OS data directory")
	metricsEnabled := flags.Bool("metrics", false, "expose Prometheus metrics on /metrics")
	logLevel := flags.String("log-level", appConfigs.Log.Level, "log level: trace, debug, info, warn, error")
	logPretty := flags.Bool("log-pretty", false, "human-friendly console logs instead of JSON")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := appConfigs.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}

	if flags.Changed("url") {
		appConfigs.Rmq.Url = *rmqUrl
	}
	if flags.Changed("vhost") {
		appConfigs.Rmq.Vhost = *vhost
	}
	if flags.Changed("server-name") {
		appConfigs.Rmq.ServerName = *serverName
	}
	if flags.Changed("importance-level") {
		appConfigs.ImportanceLevel = *importanceLevel
	}
	if flags.Changed("port") {
		appConfigs.Port = *port
	}
	if flags.Changed("db-path") {
		appConfigs.DbPath = *dbPath
	}
	if flags.Changed("metrics") {
		appConfigs.MetricsEnabled = *metricsEnabled
	}
	if flags.Changed("log-level") {
		appConfigs.Log.Level = *logLevel
	}
	if flags.Changed("log-pretty") {
		appConfigs.Log.Pretty = *logPretty
	}

	return appConfigs, appConfigs.Validate()
}

func setupLogger(logConfig configs.LogConfig) {
	level, err := zerolog.ParseLevel(logConfig.Level)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", logConfig.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if logConfig.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
