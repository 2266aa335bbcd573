package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bhaichat/internal/auth"
	"bhaichat/internal/backend"
	"bhaichat/internal/config"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your bhaichat installation",
		Long: `Verifies that the configuration, pointer cache, remote store and
chat backend are reachable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("bhaichat doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'bhaichat init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return err
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Identity
			id := auth.Identity{UserID: cfg.Auth.UserID, ProviderID: cfg.Auth.ProviderID}
			if err := id.Validate(); err != nil {
				printFail("Identity", err.Error())
				failed++
			} else {
				printPass("Identity", string(id.ProfileID()))
				passed++
			}
			if cfg.Auth.Token == "" && os.Getenv("BHAICHAT_TOKEN") == "" {
				printWarn("Token", "no bearer token configured")
				warned++
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			// 4. Pointer cache round trip
			if err := checkCache(ctx, cfg); err != nil {
				printFail("Pointer cache", err.Error())
				failed++
			} else {
				printPass("Pointer cache", cfg.Cache.Driver)
				passed++
			}

			// 5. Remote store
			if cfg.Remote.Driver == "memory" {
				printWarn("Remote store", "in-memory, history is not persisted")
				warned++
			} else if store, closeStore, err := openStore(ctx, cfg, nil, logger); err != nil {
				printFail("Remote store", err.Error())
				failed++
			} else {
				if _, err := store.ListConversations(ctx, id.ProfileID(), 1); err != nil {
					printFail("Remote store", err.Error())
					failed++
				} else {
					printPass("Remote store", cfg.Remote.Driver)
					passed++
				}
				closeStore()
			}

			// 6. Backend health
			client, err := backend.New(backend.Config{BaseURL: cfg.Backend.BaseURL, Timeout: 5 * time.Second, Logger: logger})
			if err == nil {
				err = client.Healthy(ctx)
			}
			if err != nil {
				printFail("Chat backend", err.Error())
				failed++
			} else {
				printPass("Chat backend", cfg.Backend.BaseURL)
				passed++
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before chatting.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			fmt.Printf("\nAll set. Run 'bhaichat chat'.\n")
			return nil
		},
	}
}

// checkCache writes, reads back and removes a check key.
func checkCache(ctx context.Context, cfg *config.Config) error {
	kv, err := openKV(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	const key = "doctor_check"
	if err := kv.Set(ctx, key, "ok"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	if v, ok, err := kv.Get(ctx, key); err != nil || !ok || v != "ok" {
		return fmt.Errorf("read back failed: %v", err)
	}
	return kv.Remove(ctx, key)
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
