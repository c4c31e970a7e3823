package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gchatbridge/internal/auth"
	"gchatbridge/internal/config"
	"gchatbridge/internal/domain"
	"gchatbridge/internal/logging"
)

var (
	version    = "0.1.0"
	logger     = logging.New("info", "text") // replaced once the config is loaded
	configPath string // overridable via --config flag
)

func main() {
	root := &cobra.Command{
		Use:           "gchatbridge",
		Short:         "Bridge Google Chat events from Pub/Sub to bot logic",
		Long:          "gchatbridge receives Google Chat events through Cloud Pub/Sub, dispatches them to the bot and posts replies through the Chat API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.gchatbridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(fetchCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(configCmd())
	root.AddCommand(serviceCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		logger.WithError(err).Error("command failed")
		if domain.IsAuthError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = logging.New(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// loadCredential prefers a static bearer token over the key file.
func loadCredential(cfg *config.Config) (auth.Credential, error) {
	if cfg.Google.BearerToken != "" {
		return auth.FromBearer(cfg.Google.BearerToken), nil
	}
	return auth.FromFile(cfg.Google.CredentialsFile)
}

const sampleReplies = `# Canned replies: the first entry whose keywords or pattern match wins.
- name: greeting
  keywords: [hello, hi, "good morning"]
  response: "Hello {sender}!"
- name: thanks
  keywords: [thanks, "thank you"]
  response: "You're welcome."
`

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and a sample replies file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfgDir := filepath.Dir(cfgPath)
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}

			cfg := config.Defaults()
			cfg.Handler.RepliesFile = filepath.Join(cfgDir, "replies.yaml")
			if _, err := os.Stat(cfg.Handler.RepliesFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfg.Handler.RepliesFile, []byte(sampleReplies), 0o644); err != nil {
					return err
				}
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"config":  cfgPath,
				"replies": cfg.Handler.RepliesFile,
			}).Info("initialized; set google.project and google.subscription before running serve")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gchatbridge", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. listener.mode)",
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
		Short: "Set a config value (e.g. bridge.maxConcurrent 32)",
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
			logger.WithFields(logrus.Fields{"path": args[0], "file": cfgPath}).Info("config updated")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values, secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.ListPaths(config.Sanitize(cfg)), "", "  ")
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
