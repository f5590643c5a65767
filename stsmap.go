// stsmap is a resident daemon answering MTA-STS (RFC 8461) policy queries
// from a mail transfer agent over the Postfix socketmap protocol.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/semihalev/stsmap/api"
	"github.com/semihalev/stsmap/cache"
	"github.com/semihalev/stsmap/config"
	"github.com/semihalev/stsmap/policy"
	"github.com/semihalev/stsmap/server"
	"github.com/semihalev/stsmap/zone"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var flagcfgpath string

var rootCmd = &cobra.Command{
	Use:           "stsmap",
	Short:         "MTA-STS policy daemon for the Postfix socketmap protocol",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	rootCmd.Flags().StringVarP(&flagcfgpath, "config", "c", "stsmap.conf",
		"location of the config file, if config file not found, a config will generate")
}

func setup() (*config.Config, error) {
	cfg, err := config.Load(flagcfgpath, version)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(logLevel(cfg.LogLevel))
	zlog.SetDefault(logger)

	return cfg, nil
}

func logLevel(name string) zlog.Level {
	switch name {
	case "crit", "error":
		return zlog.LevelError
	case "warn":
		return zlog.LevelWarn
	case "debug":
		return zlog.LevelDebug
	default:
		return zlog.LevelInfo
	}
}

func run() error {
	zlog.Info("Starting stsmap...", "version", version)

	cfg, err := setup()
	if err != nil {
		zlog.Error("Config loading failed", "error", err.Error())
		return err
	}

	resolv, err := policy.NewSystemResolver("/etc/resolv.conf")
	if err != nil {
		zlog.Error("System resolver setup failed", "error", err.Error())
		return err
	}

	fetcher := policy.NewFetcher(resolv, nil)
	registry := zone.NewRegistry(cfg, fetcher)
	pcache := cache.New(cfg.Cache.CacheSize)

	srv := server.New(cfg, registry, pcache)

	errch := make(chan error, 1)
	go func() {
		errch <- srv.ListenAndServe()
	}()

	a := api.New(cfg)
	a.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errch:
		if err != nil {
			zlog.Error("Socketmap listener failed", "addr", cfg.Bind, "error", err.Error())
			return err
		}
		return nil
	case <-sig:
	}

	zlog.Info("Stopping stsmap...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Warn("Connection drain incomplete", "error", err.Error())
	}

	if err := a.Shutdown(ctx); err != nil {
		zlog.Warn("API shutdown incomplete", "error", err.Error())
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
