package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install chatrelay as a user service (launchd/systemd)",
		Long:  "Generates and installs a service file that runs 'chatrelay serve' in the background on login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			workDir, err := os.Getwd()
			if err != nil {
				return err
			}
			unit := serviceUnit{exec: execPath, config: cfgPath, workDir: workDir}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(unit)
			case "linux":
				return installSystemd(unit)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the chatrelay user service",
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

// serviceUnit holds the values substituted into the service templates. The
// working directory matters because relative paths in the config (database,
// uploads, .env) resolve against it.
type serviceUnit struct {
	exec    string
	config  string
	workDir string
}

func (u serviceUnit) render(tmpl string, extra ...string) string {
	r := strings.NewReplacer(append([]string{
		"{{EXEC}}", u.exec,
		"{{CONFIG}}", u.config,
		"{{WORKDIR}}", u.workDir,
	}, extra...)...)
	return r.Replace(tmpl)
}

const (
	launchdLabel = "com.chatrelay.serve"
	systemdUnit  = "chatrelay.service"
)

func launchdPlistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func systemdUnitPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", systemdUnit)
}

func installLaunchd(u serviceUnit) error {
	plistPath := launchdPlistPath()
	logDir := filepath.Join(u.workDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	plist := u.render(launchdTemplate,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(logDir, "chatrelay.log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "chatrelay-error.log"),
	)

	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func uninstallLaunchd() error {
	plistPath := launchdPlistPath()
	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Printf("Service uninstalled: %s\n", plistPath)
	return nil
}

func installSystemd(u serviceUnit) error {
	unitPath := systemdUnitPath()

	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(u.render(systemdTemplate)), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", unitPath)
	fmt.Printf("To start:  systemctl --user start chatrelay\n")
	fmt.Printf("To enable: systemctl --user enable chatrelay\n")
	fmt.Printf("To stop:   systemctl --user stop chatrelay\n")
	return nil
}

func uninstallSystemd() error {
	unitPath := systemdUnitPath()
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Printf("Service uninstalled: %s\n", unitPath)
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
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
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
Description=chatrelay real-time chat relay
After=network.target

[Service]
Type=simple
WorkingDirectory={{WORKDIR}}
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
