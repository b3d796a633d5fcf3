// Command cronweb runs the CronWeb scheduler daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/user/cronweb"
	"github.com/user/cronweb/internal/api"
	"github.com/user/cronweb/internal/config"
	"github.com/user/cronweb/internal/controller"
	"github.com/user/cronweb/internal/hookhost"
	"github.com/user/cronweb/internal/logging"
	"github.com/user/cronweb/internal/logsink"
	"github.com/user/cronweb/internal/storage"
	"github.com/user/cronweb/internal/trigger"
	"github.com/user/cronweb/internal/worker"
)

const shotIdleTimeout = 1800 * time.Second

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cronweb",
	Short: "cronweb is a small cron-style job scheduler with a durable log of every run",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the scheduler daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cfgFile)
	},
}

func init() {
	runCmd.Flags().StringVarP(&cfgFile, "config", "c", "cronweb.yaml", "path to the YAML config file")
	_ = viper.BindPFlag("config", runCmd.Flags().Lookup("config"))
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("cronweb: load config: %w", err)
	}

	logger := logging.New()

	store, err := storage.Open(cfg.Storage.DBPath, logging.NewWithComponent("storage"))
	if err != nil {
		return fmt.Errorf("cronweb: open storage: %w", err)
	}

	sink, err := logsink.New(cfg.Logger.LogDir, logging.NewWithComponent("logsink"))
	if err != nil {
		return fmt.Errorf("cronweb: open log sink: %w", err)
	}

	hooks := hookhost.New()

	w, err := worker.New(worker.Config{
		WorkDir:       cfg.Worker.WorkDir,
		TimesRetry:    cfg.Worker.TimesRetry,
		WaitRetryBase: cfg.Worker.WaitRetryBase,
		WebhookURL:    cfg.Worker.WebhookURL,
		WebhookSecret: cfg.Worker.WebhookSecret,
	}, store, sink, hooks, logging.NewWithComponent("worker"))
	if err != nil {
		return fmt.Errorf("cronweb: init worker: %w", err)
	}

	// The trigger's shooter callback closes over the worker built above: a
	// firing timer hands the shot straight to Worker.Shoot with the fixed
	// shotIdleTimeout idle-read bound.
	shooter := func(command, param, uuid, name string, jobType cronweb.JobType) {
		ctx, cancel := context.WithTimeout(context.Background(), shotIdleTimeout+30*time.Second)
		defer cancel()
		w.Shoot(ctx, command, param, uuid, shotIdleTimeout, name, jobType)
	}
	trig := trigger.New(shooter, logging.NewWithComponent("trigger"))

	ctrl, err := controller.New(store, trig, w, sink, logging.NewWithComponent("controller"))
	if err != nil {
		return fmt.Errorf("cronweb: init controller: %w", err)
	}

	bgCtx := context.Background()
	ctrl.StartPeriodicTimer(bgCtx)

	server := api.NewServer(ctrl, cfg.Web.Secret, logging.NewWithComponent("api"))
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler: server.Handler(),
	}

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("cronweb listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(bgCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrs:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cronweb: controller shutdown: %w", err)
	}

	logger.Info("cronweb stopped cleanly")
	return nil
}
