package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/inconshreveable/log15"
	"gopkg.in/urfave/cli.v1"

	"stampchain/internal/blockchain"
	"stampchain/internal/config"
	"stampchain/internal/logging"
	"stampchain/internal/network"
	"stampchain/internal/storage"
)

const defaultConfigPath = "configs/config.yaml"

var log = log15.New("module", "main")

var runFlags = []cli.Flag{
	cli.StringFlag{Name: "config", Usage: "path to config file (default " + defaultConfigPath + " if present)"},
	cli.StringFlag{Name: "port", Usage: "HTTP port, overrides server.port"},
	cli.StringFlag{Name: "loglevel", Usage: "crit, error, warn, info or debug"},
	cli.IntFlag{Name: "workers", Usage: "proof-of-work search goroutines"},
}

func main() {
	app := cli.NewApp()
	app.Name = "stampchain"
	app.Usage = "single-node proof-of-work ledger of stamp ownership"
	app.Version = "1.0.0"
	app.Flags = runFlags
	app.Action = runNode
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the ledger HTTP service",
			Flags:  runFlags,
			Action: runNode,
		},
		{
			Name:      "verify-proof",
			Usage:     "check a proof against the previous proof",
			ArgsUsage: "<last-proof> <proof>",
			Action:    verifyProof,
		},
		{
			Name:      "find-proof",
			Usage:     "search the smallest proof following last-proof",
			ArgsUsage: "<last-proof>",
			Flags:     []cli.Flag{cli.IntFlag{Name: "workers", Value: 1, Usage: "search goroutines"}},
			Action:    findProof,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	if c.IsSet("port") {
		cfg.Server.Port = c.String("port")
	}
	if c.IsSet("loglevel") {
		cfg.Log.Level = c.String("loglevel")
	}
	if c.IsSet("workers") {
		cfg.Blockchain.Workers = c.Int("workers")
	}
	return cfg, nil
}

func runNode(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.File); err != nil {
		return err
	}

	store, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	bc, err := blockchain.NewBlockchain(store, blockchain.Options{
		Workers:       cfg.Blockchain.Workers,
		HashCacheSize: cfg.Blockchain.HashCache,
	})
	if err != nil {
		return err
	}
	defer bc.Close()
	log.Info("blockchain initialized")

	if cfg.Mining.Schedule != "" {
		scheduler, err := blockchain.NewScheduler(bc, cfg.Mining.Schedule)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := network.NewServer(bc, store, cfg.Addr(), cfg.Server.CORSOrigins)
	printBanner(cfg)

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Info("shutting down", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func printBanner(cfg *config.Config) {
	bold := color.New(color.FgGreen, color.Bold)
	bold.Println("stampchain")
	fmt.Printf("  listening   %s\n", color.CyanString(cfg.Addr()))
	fmt.Printf("  workers     %d\n", cfg.Blockchain.Workers)
	if cfg.Mining.Schedule != "" {
		fmt.Printf("  auto-mine   %s\n", cfg.Mining.Schedule)
	}
}

func parseProof(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, cli.NewExitError(fmt.Sprintf("invalid proof %q", s), 2)
	}
	return v, nil
}

func verifyProof(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: verify-proof <last-proof> <proof>", 2)
	}
	lastProof, err := parseProof(c.Args().Get(0))
	if err != nil {
		return err
	}
	proof, err := parseProof(c.Args().Get(1))
	if err != nil {
		return err
	}

	if blockchain.ValidProof(lastProof, proof) {
		color.Green("valid: %d follows %d", proof, lastProof)
		return nil
	}
	color.Yellow("invalid: %d does not follow %d", proof, lastProof)
	return cli.NewExitError("", 1)
}

func findProof(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: find-proof <last-proof>", 2)
	}
	lastProof, err := parseProof(c.Args().Get(0))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	proof, err := blockchain.ProofOfWork(ctx, lastProof, c.Int("workers"), nil)
	if err != nil {
		return err
	}
	fmt.Printf("%d %s\n", proof, color.HiBlackString("(%s)", time.Since(start)))
	return nil
}
