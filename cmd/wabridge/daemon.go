package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"wabridge/internal/config"

	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the bridge as a background service",
	}
	cmd.AddCommand(installDaemonCmd())
	cmd.AddCommand(uninstallDaemonCmd())
	return cmd
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the bridge as a user service (launchd/systemd)",
		Long:  "Generates a service file that runs 'wabridge run' at login and restarts it on failure. Pair the device with a foreground 'wabridge run' first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			workDir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("cannot determine working directory: %w", err)
			}
			runArgs := serviceArgs()

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, workDir, runArgs)
			case "linux":
				return installSystemd(execPath, workDir, runArgs)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the bridge user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return uninstallLaunchd()
			case "linux":
				return uninstallSystemd()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
		},
	}
}

// serviceArgs returns the arguments after the executable, carrying over the
// config and env files given to this invocation as absolute paths.
func serviceArgs() []string {
	args := []string{"run"}
	if p := resolveConfigPath(); p != "" {
		args = append(args, "--config", absPath(p))
	}
	for _, f := range envFiles {
		args = append(args, "--env-file", absPath(f))
	}
	return args
}

func absPath(p string) string {
	p = config.ExpandPath(p)
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

const (
	launchdLabel = "com.wabridge.bridge"
	systemdUnit  = "wabridge.service"
)

func installLaunchd(execPath, workDir string, args []string) error {
	home, _ := os.UserHomeDir()
	plistDir := filepath.Join(home, "Library", "LaunchAgents")
	plistPath := filepath.Join(plistDir, launchdLabel+".plist")

	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	var progArgs strings.Builder
	for _, a := range append([]string{execPath}, args...) {
		fmt.Fprintf(&progArgs, "        <string>%s</string>\n", a)
	}

	plist := strings.ReplaceAll(launchdTemplate, "{{ARGS}}", strings.TrimRight(progArgs.String(), "\n"))
	plist = strings.ReplaceAll(plist, "{{LABEL}}", launchdLabel)
	plist = strings.ReplaceAll(plist, "{{WORKDIR}}", workDir)
	plist = strings.ReplaceAll(plist, "{{LOG}}", filepath.Join(logDir, "wabridge.log"))
	plist = strings.ReplaceAll(plist, "{{ERR_LOG}}", filepath.Join(logDir, "wabridge-error.log"))

	if err := os.MkdirAll(plistDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func uninstallLaunchd() error {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", plistPath)
	return nil
}

func installSystemd(execPath, workDir string, args []string) error {
	home, _ := os.UserHomeDir()
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	unitPath := filepath.Join(unitDir, systemdUnit)

	unit := renderSystemdUnit(execPath, workDir, args)

	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", unitPath)
	fmt.Printf("To start:  systemctl --user start wabridge\n")
	fmt.Printf("To enable: systemctl --user enable wabridge\n")
	fmt.Printf("To stop:   systemctl --user stop wabridge\n")
	return nil
}

func renderSystemdUnit(execPath, workDir string, args []string) string {
	unit := strings.ReplaceAll(systemdTemplate, "{{EXEC}}", execPath+" "+strings.Join(args, " "))
	return strings.ReplaceAll(unit, "{{WORKDIR}}", workDir)
}

func uninstallSystemd() error {
	home, _ := os.UserHomeDir()
	unitPath := filepath.Join(home, ".config", "systemd", "user", systemdUnit)
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", unitPath)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
{{ARGS}}
    </array>
    <key>WorkingDirectory</key>
    <string>{{WORKDIR}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=wabridge WhatsApp relay
After=network-online.target

[Service]
Type=simple
WorkingDirectory={{WORKDIR}}
ExecStart={{EXEC}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
