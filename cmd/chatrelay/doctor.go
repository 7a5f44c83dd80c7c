package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatrelay installation",
		Long: `Verifies that chatrelay's configuration, database, uploads directory
and listen port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			color.Bold.Printf("chatrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			// 2. Effective config
			cfg, err := config.Resolve(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 3. Shared password
			if cfg.Auth.Password == "" {
				r.warn("Password", "not set, every login will be rejected")
			} else {
				r.pass("Password", "configured")
			}

			// 4. Database
			if detail, err := checkDatabase(cfg.Store.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", detail)
			}

			// 5. Uploads directory
			if detail, err := checkUploadsDir(cfg.Uploads.Dir); err != nil {
				r.fail("Uploads dir", err.Error())
			} else {
				r.pass("Uploads dir", detail)
			}

			// 6. Listen port
			addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
			if err := checkPort(addr); err != nil {
				r.warn("Listen address", fmt.Sprintf("%s may be in use: %v", addr, err))
			} else {
				r.pass("Listen address", addr+" available")
			}

			// 7. WebSocket origins
			switch {
			case slices.Contains(cfg.Hub.AllowedOrigins, "*"):
				r.warn("Origins", "any browser origin may connect")
			case len(cfg.Hub.AllowedOrigins) == 0:
				r.warn("Origins", "none allowed, only non-browser clients can connect")
			default:
				r.pass("Origins", fmt.Sprint(cfg.Hub.AllowedOrigins))
			}

			// 8. Log file
			if cfg.Log.File != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.Log.File)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  %s %-20s %s\n", color.Green.Sprint("[PASS]"), check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  %s %-20s %s\n", color.Yellow.Sprint("[WARN]"), check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  %s %-20s %s\n", color.Red.Sprint("[FAIL]"), check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		color.Red.Println("\nPlease fix the failed checks before running chatrelay.")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		color.Yellow.Println("\nchatrelay should work but consider fixing the warnings.")
	} else {
		color.Green.Println("\nAll checks passed! chatrelay is ready to run.")
	}
	return nil
}

// checkDatabase opens the store (creating the schema if needed) and reports
// the number of messages and the file size.
func checkDatabase(dbPath string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := store.Open(ctx, dbPath, logger)
	if err != nil {
		return "", err
	}
	defer s.Close()

	n, err := s.Count(ctx)
	if err != nil {
		return "", err
	}
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return "", err
	}
	var size uint64
	if info, err := os.Stat(dbPath); err == nil {
		size = uint64(info.Size())
	}
	return fmt.Sprintf("%s (schema v%d, %s messages, %s)", dbPath, version, humanize.Comma(n), humanize.Bytes(size)), nil
}

// checkUploadsDir verifies the directory is writable and sums its contents.
func checkUploadsDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	files, total, err := dirUsage(dir)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%s files, %s)", dir, humanize.Comma(int64(files)), humanize.Bytes(uint64(total))), nil
}

func dirUsage(dir string) (files int, total int64, err error) {
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			files++
			total += info.Size()
		}
		return nil
	})
	return files, total, err
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
