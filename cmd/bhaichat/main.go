package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bhaichat/internal/channel"
	"bhaichat/internal/config"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logLevel   string // overrides general.logLevel
)

func main() {
	logger = newLogger(os.Stderr, "info")

	root := &cobra.Command{
		Use:   "bhaichat",
		Short: "Bhai Chat: chat with your favourite bhai from the terminal",
		Long:  "bhaichat keeps your conversations in sync with the chat store and talks to the Bhai backend.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				logger = newLogger(os.Stderr, logLevel)
			}
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.bhaichat/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(conversationsCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger returns a slog logger backed by charmbracelet/log.
func newLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		lvl = charmlog.InfoLevel
	}
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "bhaichat",
	})
	return slog.New(handler)
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist yet. The logger is reconfigured from general.logLevel/logFile.
func loadConfig() (*config.Config, func(), error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, err
		}
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		cfg.ExpandPaths()
	}

	cleanup := func() {}
	if logLevel == "" {
		w := io.Writer(os.Stderr)
		if cfg.General.LogFile != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open log file: %w", err)
			}
			w = f
			cleanup = func() { _ = f.Close() }
		}
		logger = newLogger(w, cfg.General.LogLevel)
	}
	return cfg, cleanup, nil
}

func initCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Auth.UserID = userID
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "dataDir", dataDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to sign in as")
	return cmd
}

func chatCmd() *cobra.Command {
	var spinner bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.session.SignIn(ctx, identityFrom(cfg)); err != nil {
				// Restoration failures leave the session usable; the first
				// send creates a conversation.
				logger.Warn("sign in incomplete", "err", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			if rt.metricsHandler != nil {
				srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: rt.metricsHandler, ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error {
					logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			g.Go(func() error {
				defer stop()
				cli := channel.NewCLI(channel.CLIConfig{
					Session:       rt.session,
					Personalities: rt.personalities.All(),
					Logger:        logger,
					Spinner:       spinner,
				})
				return cli.Start(gctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&spinner, "spinner", true, "animate a typing indicator while waiting for replies")
	return cmd
}

func conversationsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List recent conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer cleanup()

			id := identityFrom(cfg)
			if err := id.Validate(); err != nil {
				return fmt.Errorf("auth: %w", err)
			}

			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			convs, err := store.ListConversations(ctx, id.ProfileID(), cfg.Chat.HistoryLimit)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if asJSON {
				data, _ := json.MarshalIndent(convs, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			for i, c := range convs {
				when := ""
				if !c.LastMessageAt.IsZero() {
					when = c.LastMessageAt.Local().Format("02 Jan 15:04")
				}
				fmt.Printf("%2d. %-32s %-12s %s\n", i+1, c.Title, when, c.ID)
			}
			if len(convs) == 0 {
				fmt.Println("No conversations yet.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. backend.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. chat.defaultPersonality ceo_bhai)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
