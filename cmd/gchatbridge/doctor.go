package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gchatbridge/internal/auth"
	"gchatbridge/internal/command"
	"gchatbridge/internal/config"
	"gchatbridge/internal/dedup"
	"gchatbridge/internal/listener"
	"gchatbridge/internal/logging"
)

// tally counts check outcomes.
type tally struct {
	passed, warned, failed int
}

func (t *tally) pass(check, detail string) {
	printPass(check, detail)
	t.passed++
}

func (t *tally) warn(check, detail string) {
	printWarn(check, detail)
	t.warned++
}

func (t *tally) fail(check, detail string) {
	printFail(check, detail)
	t.failed++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the bridge setup",
		Long: `Verifies that the configuration, Google credential, Pub/Sub subscription,
dedup store and listening ports are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("gchatbridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var t tally

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				t.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'gchatbridge init' to create a default configuration.\n")
				return nil
			}
			t.pass("Config file", cfgPath)

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				t.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", t.passed, t.failed)
				return fmt.Errorf("%d check(s) failed", t.failed)
			}
			t.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			// 3. Credential yields a token
			cred, err := loadCredential(cfg)
			if err == nil {
				err = checkCredential(ctx, cred)
			}
			credOK := err == nil
			if credOK {
				t.pass("Credential", cred.Identity())
			} else {
				t.fail("Credential", err.Error())
			}

			// 4. Subscription reachable
			if cfg.Listener.Mode == "push" {
				t.pass("Subscription", "push mode, deliveries arrive at "+cfg.Listener.Push.Path)
			} else if !credOK {
				t.warn("Subscription", "skipped, credential unusable")
			} else if err := checkSubscription(ctx, cfg, cred); err != nil {
				t.fail("Subscription", err.Error())
			} else {
				t.pass("Subscription", cfg.Google.SubscriptionPath())
			}

			// 5. Dedup store writable
			if err := checkDedup(ctx, cfg.Dedup); err != nil {
				t.fail("Dedup store", err.Error())
			} else {
				t.pass("Dedup store", cfg.Dedup.Backend)
			}

			// 6. Ports
			if cfg.Listener.Mode == "push" {
				checkPort(&t, "Push port", cfg.Listener.Push.Addr())
			}
			if cfg.Metrics.Enabled {
				checkPort(&t, "Metrics port", cfg.Metrics.Addr())
			}

			// 7. Canned replies
			if cfg.Handler.RepliesFile == "" {
				t.warn("Replies", "not configured, only built-in commands answer")
			} else if replies, err := command.LoadReplies(cfg.Handler.RepliesFile, logging.Discard()); err != nil {
				t.fail("Replies", err.Error())
			} else if len(replies) == 0 {
				t.warn("Replies", fmt.Sprintf("no usable entries in %s", cfg.Handler.RepliesFile))
			} else {
				t.pass("Replies", fmt.Sprintf("%d entries", len(replies)))
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", t.passed, t.warned, t.failed)
			if t.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the bridge.\n")
				return fmt.Errorf("%d check(s) failed", t.failed)
			}
			if t.warned > 0 {
				fmt.Printf("\nThe bridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! The bridge is ready to run.\n")
			}
			return nil
		},
	}
}

func checkCredential(ctx context.Context, cred auth.Credential) error {
	ts, err := cred.TokenSource(ctx, auth.ScopeChatBot, auth.ScopePubSub)
	if err != nil {
		return err
	}
	return auth.Verify(ctx, ts)
}

func checkSubscription(ctx context.Context, cfg *config.Config, cred auth.Credential) error {
	pull, err := listener.DialPull(ctx, cred, listener.PullOptions{
		Project:      cfg.Google.Project,
		Subscription: cfg.Google.Subscription,
	}, logging.Discard())
	if err != nil {
		return err
	}
	defer pull.Close()
	return pull.Check(ctx)
}

// checkDedup claims and releases a throwaway ID.
func checkDedup(ctx context.Context, cfg config.DedupConfig) error {
	store, err := dedup.Open(ctx, cfg, logging.Discard())
	if err != nil {
		return err
	}
	defer store.Close()

	id := "doctor-" + uuid.NewString()
	if _, err := store.Claim(ctx, id); err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if err := store.Release(ctx, id); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func checkPort(t *tally, check, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.warn(check, fmt.Sprintf("%s may be in use: %v", addr, err))
		return
	}
	ln.Close()
	t.pass(check, addr+" available")
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
