package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/engine"
	"github.com/mtzanidakis/hive/internal/metrics"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/scheduler"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/telegram"
	"github.com/mtzanidakis/hive/internal/vault"
	"github.com/mtzanidakis/hive/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("hive %s\n", version)
	case "run":
		err = runSwarm()
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "vault":
		err = runVault(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hive <command>

Commands:
  run        Run the swarm until it finishes
  backup     Archive the database and results file
  restore    Restore an archive created by backup
  vault      Manage encrypted secrets
  version    Print version
`)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// resolveSecrets replaces "secret:<name>" references in the configuration
// with values decrypted from the vault.
func resolveSecrets(cfg *config.Config, src vault.Source) error {
	refs := []*string{&cfg.Engine.APIKey, &cfg.Telegram.Token, &cfg.Web.Auth}

	var v *vault.Vault
	for _, ref := range refs {
		if !vault.IsRef(*ref) {
			continue
		}
		if cfg.Vault.Passphrase == "" {
			return errors.New("config references vault secrets but HIVE_VAULT_PASSPHRASE is not set")
		}
		if v == nil {
			v = vault.New(cfg.Vault.Passphrase)
		}
		plain, err := v.Resolve(src, *ref)
		if err != nil {
			return err
		}
		*ref = plain
	}
	return nil
}

func newTokenizer(cfg config.EngineConfig, logger *slog.Logger) engine.Tokenizer {
	if cfg.Tokenizer == "tiktoken" {
		return engine.NewTiktoken(cfg.Model, logger)
	}
	return engine.CharTokenizer{}
}

func runSwarm() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Log))
	slog.Info("starting hive", "version", version, "mode", cfg.Swarm.Mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	if err := resolveSecrets(cfg, db); err != nil {
		return err
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()
	slog.Info("nats started", "port", bus.Port())

	m := metrics.New("hive")

	logger := slog.Default()
	eng := engine.NewClient(engine.ClientConfig{
		BaseURL:        cfg.Engine.BaseURL,
		APIKey:         cfg.Engine.APIKey,
		Model:          cfg.Engine.Model,
		Temperature:    cfg.Engine.Temperature,
		MaxInputTokens: cfg.Engine.MaxInputTokens,
		Timeout:        cfg.Engine.Timeout,
		RPS:            cfg.Engine.RPS,
		Burst:          cfg.Engine.Burst,
	}, newTokenizer(cfg.Engine, logger), logger)

	coord, err := swarm.New(cfg, swarm.Deps{
		Engine:  eng,
		Store:   db,
		Client:  client,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init swarm: %w", err)
	}

	sched, err := scheduler.New(coord, cfg.Schedules, scheduler.Options{Client: client})
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	// Services live until the swarm is done, not until the process exits.
	svcCtx, stopServices := context.WithCancel(ctx)
	defer stopServices()

	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram, coord)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go func() {
			if err := bot.Start(svcCtx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(coord, client, m, db, cfg.Web, version)
		go func() {
			if err := srv.Start(svcCtx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start swarm: %w", err)
	}
	if sched.Len() > 0 {
		go sched.Start(svcCtx)
		slog.Info("scheduler started", "schedules", sched.Len())
	}

	sum, err := coord.Wait(ctx)
	stopServices()
	if err != nil {
		return err
	}

	args := []any{"run", sum.RunID, "reason", sum.Reason, "duration", sum.Duration.Round(time.Millisecond), "results", sum.Results}
	if sum.Best != nil {
		args = append(args, "best_score", sum.Best.Score, "best_producer", sum.Best.Producer)
	}
	slog.Info("swarm finished", args...)

	if sum.Best != nil {
		fmt.Println(sum.Best.Content)
	}

	if bot != nil {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer sendCancel()
		if err := bot.PublishSummary(sendCtx, sum); err != nil {
			slog.Error("failed to publish summary", "error", err)
		}
	}
	return nil
}
