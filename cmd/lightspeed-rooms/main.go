package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-rooms/api"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/outbox"
	"github.com/tcriess/lightspeed-rooms/permissions"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/rooms"
	"github.com/tcriess/lightspeed-rooms/worker"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	seed       = pflag.Bool("seed", false, "create/update the system roles and permissions on start-up")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")
)

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	logger := globals.AppLogger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persister, err := persistence.NewGormPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	registry, err := globalConfig.RoleRegistry()
	if err != nil {
		panic(err)
	}
	if *seed {
		err = persister.SeedReferenceData(ctx, registry)
		if err != nil {
			panic(err)
		}
		logger.Info("reference data seeded", "roles", len(registry.Roles), "permissions", len(registry.Permissions))
	}

	publisher, err := outbox.NewPublisher(globalConfig, logger)
	if err != nil {
		panic(err)
	}
	defer publisher.Close()

	resolver := permissions.NewResolver(persister, logger)
	creator := rooms.NewCreator(persister, resolver, rooms.NewPolicy(globalConfig, registry), logger)

	outboxConfig := globalConfig.OutboxConfig
	dispatcher, err := outbox.NewDispatcher(persister, publisher, outbox.Options{BatchSize: outboxConfig.BatchSize}, logger)
	if err != nil {
		panic(err)
	}
	cleaner, err := outbox.NewCleaner(persister, outboxConfig.BatchSize, logger)
	if err != nil {
		panic(err)
	}

	runner := worker.NewRunner(outboxConfig.LockPath, logger)
	err = runner.Schedule(outboxConfig.DispatchInterval, worker.JobFunc{JobName: "dispatch", Fn: func(ctx context.Context) error {
		_, err := dispatcher.Run(ctx)
		return err
	}})
	if err != nil {
		panic(err)
	}
	err = runner.Schedule(outboxConfig.CleanupInterval, worker.JobFunc{JobName: "clean", Fn: func(ctx context.Context) error {
		_, err := cleaner.Run(ctx)
		return err
	}})
	if err != nil {
		panic(err)
	}
	runner.Start()

	srv := &http.Server{
		Addr:              globalConfig.Addr,
		Handler:           api.NewServer(persister, creator, resolver, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", globalConfig.Addr)
		var err error
		if *sslCert != "" && *sslKey != "" {
			err = srv.ListenAndServeTLS(*sslCert, *sslKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("stopped listening", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("could not shut down http server", "error", err)
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Error("could not stop workers", "error", err)
	}
}
