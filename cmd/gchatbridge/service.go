package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const unitName = "gchatbridge.service"

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd user unit that runs serve",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write a systemd user unit for the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtime.GOOS != "linux" {
				return fmt.Errorf("unsupported OS: %s (systemd units need linux)", runtime.GOOS)
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			unitPath, err := userUnitPath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(unitPath, []byte(renderUnit(execPath, resolveConfigPath())), 0o644); err != nil {
				return err
			}

			fmt.Printf("Service installed: %s\n", unitPath)
			fmt.Printf("To start:  systemctl --user start gchatbridge\n")
			fmt.Printf("To enable: systemctl --user enable gchatbridge\n")
			fmt.Printf("To stop:   systemctl --user stop gchatbridge\n")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd user unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			unitPath, err := userUnitPath()
			if err != nil {
				return err
			}
			if err := os.Remove(unitPath); err != nil {
				return fmt.Errorf("remove unit: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", unitPath)
			return nil
		},
	})

	return cmd
}

func userUnitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", unitName), nil
}

// renderUnit fills the unit template. Exit status 2 means the credential was
// rejected, so systemd does not restart on it.
func renderUnit(execPath, cfgPath string) string {
	unit := strings.ReplaceAll(systemdTemplate, "{{EXEC}}", execPath)
	return strings.ReplaceAll(unit, "{{CONFIG}}", cfgPath)
}

const systemdTemplate = `[Unit]
Description=Google Chat Pub/Sub bridge
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5
RestartPreventExitStatus=2
TimeoutStopSec=30

[Install]
WantedBy=default.target
`
