package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Archive layout: db/<file>, config/<file>, uploads/<relative path>.
const (
	archiveDB      = "db/"
	archiveConfig  = "config/"
	archiveUploads = "uploads/"
)

type archiveEntry struct {
	source string // file on disk
	name   string // name inside the archive
}

// restoreTargets says where each part of an archive goes.
type restoreTargets struct {
	dbPath     string
	configPath string
	uploadsDir string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of chatrelay data (database, config, uploads)",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database,
the configuration file and every uploaded file. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logClose, err := loadRuntimeConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer logClose.Close()

			if outputPath == "" {
				backupDir := "backups"
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("chatrelay-backup-%s.tar.gz", ts))
			}

			entries, err := collectBackupEntries(cfg.Store.DBPath, resolveConfigPath(), cfg.Uploads.Dir)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s, uploads: %s)",
					cfg.Store.DBPath, resolveConfigPath(), cfg.Uploads.Dir)
			}

			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			var total uint64
			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(entries))
			for _, e := range entries {
				var size uint64
				if info, err := os.Stat(e.source); err == nil {
					size = uint64(info.Size())
				}
				total += size
				fmt.Printf("  - %s (%s)\n", e.name, humanize.Bytes(size))
			}
			fmt.Printf("Total: %s\n", humanize.Bytes(total))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ./backups/chatrelay-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore chatrelay data from a backup archive",
		Long: `Restores the SQLite database, configuration file and uploads from a
.tar.gz backup archive created by 'chatrelay backup'. Stop the server first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: chatrelay restore <file.tar.gz>")
			}

			cfg, logClose, err := loadRuntimeConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer logClose.Close()

			targets := restoreTargets{
				dbPath:     cfg.Store.DBPath,
				configPath: resolveConfigPath(),
				uploadsDir: cfg.Uploads.Dir,
			}

			// Safety: warn before overwriting
			if !force {
				existing := false
				for _, p := range []string{targets.dbPath, targets.configPath} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", targets.dbPath)
					fmt.Printf("  Config:   %s\n", targets.configPath)
					fmt.Printf("  Uploads:  %s\n", targets.uploadsDir)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// collectBackupEntries lists whichever of the database (with its WAL and SHM
// files), the config file and the uploads exist.
func collectBackupEntries(dbPath, cfgPath, uploadsDir string) ([]archiveEntry, error) {
	var entries []archiveEntry

	if _, err := os.Stat(dbPath); err == nil {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			p := dbPath + suffix
			if _, err := os.Stat(p); err == nil {
				entries = append(entries, archiveEntry{source: p, name: archiveDB + filepath.Base(p)})
			}
		}
	}

	if _, err := os.Stat(cfgPath); err == nil {
		entries = append(entries, archiveEntry{source: cfgPath, name: archiveConfig + filepath.Base(cfgPath)})
	}

	err := filepath.WalkDir(uploadsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(uploadsDir, p)
		if err != nil {
			return err
		}
		entries = append(entries, archiveEntry{source: p, name: archiveUploads + filepath.ToSlash(rel)})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("scan uploads: %w", err)
	}
	return entries, nil
}

// createTarGz creates a .tar.gz archive from the given entries.
func createTarGz(outputPath string, entries []archiveEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.source, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.source)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// targetFor maps an archive name to its restore location. Unknown or unsafe
// names yield "".
func (t restoreTargets) targetFor(name string) string {
	switch {
	case strings.HasPrefix(name, archiveDB):
		base := path.Base(name)
		switch {
		case strings.HasSuffix(base, "-wal"):
			return t.dbPath + "-wal"
		case strings.HasSuffix(base, "-shm"):
			return t.dbPath + "-shm"
		default:
			return t.dbPath
		}
	case strings.HasPrefix(name, archiveConfig):
		return t.configPath
	case strings.HasPrefix(name, archiveUploads):
		rel := filepath.FromSlash(strings.TrimPrefix(name, archiveUploads))
		if !filepath.IsLocal(rel) {
			return ""
		}
		return filepath.Join(t.uploadsDir, rel)
	}
	return ""
}

// extractTarGz restores the entries of a backup archive.
func extractTarGz(archivePath string, targets restoreTargets) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath := targets.targetFor(header.Name)
		if targetPath == "" {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}
