package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/beacon/config"
	"github.com/teranos/beacon/db"
	"github.com/teranos/beacon/errors"
	"github.com/teranos/beacon/logger"
	"github.com/teranos/beacon/relay"
	"github.com/teranos/beacon/store"
)

// ServeCmd starts the relay.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the relay",
	Long:    `Start the WebSocket relay: accept connections, store published events and fan them out to matching subscriptions.`,
	RunE:    runServe,
}

var serveAddr string

func init() {
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
}

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	eventStore := store.New(database, logger.Logger)
	r := relay.New(eventStore, relay.OptionsFromConfig(cfg), logger.Logger)

	// Reload relay options when the config file changes.
	if configPath := resolveConfigPath(cmd); configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			logger.Warnw("Config watching disabled", "path", configPath, "error", err)
		} else {
			watcher.OnReload(r.ApplyConfig)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	pterm.Info.Printf("beacon %s listening on %s (database %s)\n",
		cfg.Relay.Name, addr, cfg.Database.Path)

	errChan := make(chan error, 1)
	go func() {
		errChan <- r.ListenAndServe(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Infow("Shutting down", "signal", sig.String())
		pterm.Info.Println("Shutting down gracefully...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Connections drain before the deferred database close runs.
	if err := r.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	pterm.Success.Println("Relay stopped cleanly")
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func resolveConfigPath(cmd *cobra.Command) string {
	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		return configPath
	}
	return config.FindConfigFile()
}
