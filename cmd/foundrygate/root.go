package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"foundrygate/internal/chat"
	"foundrygate/internal/clitable"
	"foundrygate/internal/config"
	"foundrygate/internal/download"
	"foundrygate/internal/engine"
	"foundrygate/internal/foundry"
	"foundrygate/internal/httpapi"
	"foundrygate/internal/residency"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "foundrygate",
		Short:         "HTTP/SSE gateway in front of a Foundry Local inference engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath  string
		corsOrigins string
		flagCfg     config.Config
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			flagCfg.CORSOrigins = splitCSV(corsOrigins)
			cfg, err := resolveConfig(configPath, flagCfg)
			if err != nil {
				return err
			}
			return runServe(configPath, cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&configPath, "config", envStr("FOUNDRYGATE_CONFIG", ""), "Path to a yaml/json/toml config file")
	fl.StringVar(&flagCfg.Addr, "addr", envStr("FOUNDRYGATE_ADDR", ""), "HTTP listen address, e.g. :8080")
	fl.StringVar(&flagCfg.FoundryBin, "foundry-bin", envStr("FOUNDRYGATE_FOUNDRY_BIN", ""), "Control CLI binary name or path")
	fl.StringVar(&flagCfg.LogLevel, "log-level", envStr("FOUNDRYGATE_LOG_LEVEL", ""), "Log level: debug|info|warn|error")
	fl.IntVar(&flagCfg.CLITimeoutSeconds, "cli-timeout-seconds", envInt("FOUNDRYGATE_CLI_TIMEOUT_SECONDS", 0), "Timeout for one-shot CLI commands")
	fl.IntVar(&flagCfg.DownloadAttempts, "download-attempts", envInt("FOUNDRYGATE_DOWNLOAD_ATTEMPTS", 0), "Max attempts per download job")
	fl.StringVar(&flagCfg.APIKey, "api-key", envStr("FOUNDRYGATE_API_KEY", ""), "Bearer token for the engine's OpenAI endpoint")
	fl.BoolVar(&flagCfg.CORSEnabled, "cors", envBool("FOUNDRYGATE_CORS", false), "Enable CORS for browser clients")
	fl.StringVar(&corsOrigins, "cors-origins", envStr("FOUNDRYGATE_CORS_ORIGINS", ""), "Comma-separated allowed origins")
	return cmd
}

// resolveConfig layers defaults, then the config file, then flag values.
func resolveConfig(configPath string, flags config.Config) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		fileCfg, err := config.Load(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = config.Merge(cfg, fileCfg)
	}
	return config.Merge(cfg, flags), nil
}

func parseLogLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func runServe(configPath string, cfg config.Config) error {
	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	httpapi.SetLogger(logger)
	clitable.SetLogger(logger)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins,
		[]string{http.MethodGet, http.MethodPost, http.MethodOptions},
		[]string{"Accept", "Content-Type", "X-Log-Level"})

	cli := foundry.New(foundry.Config{
		Bin:         cfg.FoundryBin,
		OnceTimeout: time.Duration(cfg.CLITimeoutSeconds) * time.Second,
		Logger:      logger,
	})
	eng := engine.New(engine.Config{Probe: cli.ServiceStatus, APIKey: cfg.APIKey, Logger: logger})
	res := residency.New(residency.Config{Control: cli, Engine: eng, Logger: logger})
	dl := download.New(download.Config{Control: cli, MaxAttempts: cfg.DownloadAttempts, Logger: logger})
	proxy := chat.New(chat.Config{Control: cli, Residency: res, Engine: eng, Logger: logger})

	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(base)

	// Boot the engine service if it is not already up. Failure is not
	// fatal; /readyz reports 503 until it comes up.
	bootCtx, cancelBoot := context.WithTimeout(base, 30*time.Second)
	if url, err := cli.StartService(bootCtx); err != nil {
		logger.Warn().Err(err).Msg("engine service start failed")
	} else if url != "" {
		logger.Info().Str("service_url", url).Msg("engine service up")
	}
	cancelBoot()

	if configPath != "" {
		w, err := config.NewWatcher(configPath, logger, func(next config.Config) {
			if next.LogLevel == "" {
				return
			}
			zerolog.SetGlobalLevel(parseLogLevel(next.LogLevel))
			logger.Info().Str("log_level", next.LogLevel).Msg("log level updated")
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config watch unavailable")
		} else {
			go w.Run(base)
		}
	}

	mux := httpapi.NewMux(httpapi.Services{
		Control:   cli,
		Residency: res,
		Downloads: dl,
		Chat:      proxy,
		Sessions:  proxy.Sessions(),
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("foundry_bin", cfg.FoundryBin).Msg("foundrygate listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	}

	// Cancel streaming work first so handlers drain, then shut the
	// listener down.
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
