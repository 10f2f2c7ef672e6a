package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"

	"matchboard/internal/app"
	"matchboard/internal/config"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "dev"

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "matchboard: %v\n", err)
		os.Exit(1)
	}
}

// ARCHITECTURAL DISCOVERY: Building the cli.App separately from main keeps
// flag parsing and command dispatch testable without a process
func newApp(stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "matchboard"
	app.Usage = "matchmaking and session lifecycle coordinator"
	app.Version = version
	app.HideVersion = true

	app.Writer = stdout
	app.ErrWriter = stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "",
			Usage:  " JSON configuration `FILE` layered over MATCHBOARD_* variables",
			EnvVar: "MATCHBOARD_CONFIG_FILE",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the coordinator, its consumers and the HTTP surface",
			Action: runServe,
		},
		{
			Name:   "check-config",
			Usage:  "load and validate the configuration, then exit",
			Action: runCheckConfig,
		},
		{
			Name:  "version",
			Usage: "display matchboard version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s\n", version)
				return nil
			},
		},
	}
	app.Action = runServe
	return app
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.GlobalString("config")
	if path == "" {
		path = c.String("config")
	}
	return config.LoadConfigWithPrecedence(path)
}

func runCheckConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "configuration ok: directory=%s broker=%s listen=%s\n",
		cfg.Directory.Driver, cfg.Broker.Driver, cfg.Address())
	return nil
}

// FUNCTIONAL DISCOVERY: Graceful shutdown on SIGINT/SIGTERM ensures the HTTP
// server drains and consumers stop before the store closes
func runServe(c *cli.Context) error {
	// STEP 1: Load configuration with precedence (file > env > defaults)
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Setup signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	// STEP 4: Start application
	if err := application.Start(context.Background()); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 5: Wait for shutdown signal
	sig := <-signalCh
	log.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
