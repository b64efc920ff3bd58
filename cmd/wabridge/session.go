package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"wabridge/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	archiveStoreName  = "whatsapp.db"
	archiveConfigName = "config.yaml"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Back up or restore the paired WhatsApp session",
		Long:  "Moves a paired WhatsApp Web session between machines without scanning a new QR code.",
	}
	cmd.AddCommand(sessionBackupCmd())
	cmd.AddCommand(sessionRestoreCmd())
	return cmd
}

func sessionBackupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write the session store (and config file) to a .tar.gz archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.WhatsApp.StorePath); err != nil {
				return fmt.Errorf("no session store at %s: %w", cfg.WhatsApp.StorePath, err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(backupDir, "session-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			tmpDir, err := os.MkdirTemp("", "wabridge-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmpDir)

			snapshot := filepath.Join(tmpDir, archiveStoreName)
			if err := snapshotStore(cmd.Context(), cfg.WhatsApp.StorePath, snapshot); err != nil {
				return fmt.Errorf("snapshot session store: %w", err)
			}

			entries := map[string]string{archiveStoreName: snapshot}
			if p := resolveConfigPath(); p != "" {
				entries[archiveConfigName] = config.ExpandPath(p)
			}

			if err := writeArchive(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for name, src := range entries {
				if info, err := os.Stat(src); err == nil {
					fmt.Printf("  - %s (%s)\n", name, humanize.IBytes(uint64(info.Size())))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.wabridge/backups/session-<timestamp>.tar.gz)")
	return cmd
}

func sessionRestoreCmd() *cobra.Command {
	var force, withConfig bool

	cmd := &cobra.Command{
		Use:   "restore <archive.tar.gz>",
		Short: "Restore a session store from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			targets := map[string]string{archiveStoreName: cfg.WhatsApp.StorePath}
			if withConfig {
				path := configPath
				if path == "" {
					path = config.DefaultConfigPath()
				}
				targets[archiveConfigName] = config.ExpandPath(path)
			}

			if !force {
				for _, target := range targets {
					if _, err := os.Stat(target); err == nil {
						return fmt.Errorf("%s exists, use --force to overwrite", target)
					}
				}
			}

			// WAL files of the replaced store must not be replayed onto the restored one.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(cfg.WhatsApp.StorePath + suffix)
			}

			restored, err := extractArchive(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.Flags().BoolVar(&withConfig, "with-config", false, "also restore the config file")
	return cmd
}

// snapshotStore writes a consistent copy of the SQLite store at src to dst.
func snapshotStore(ctx context.Context, src, dst string) error {
	db, err := sql.Open("sqlite", "file:"+src+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = db.ExecContext(ctx, "VACUUM INTO ?", dst)
	return err
}

// writeArchive stores each source file under its archive name.
func writeArchive(outputPath string, entries map[string]string) error {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for name, src := range entries {
		if err := addFileToTar(tw, name, src); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}

func addFileToTar(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	header.Mode = 0o600

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractArchive writes the archive members named in targets to their
// target paths. Unknown members are skipped.
func extractArchive(archivePath string, targets map[string]string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	foundStore := false
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		target, ok := targets[filepath.Base(header.Name)]
		if !ok || header.Typeflag != tar.TypeReg {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return nil, err
		}
		if err := writeFile(target, tr); err != nil {
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		restored = append(restored, target)
		if filepath.Base(header.Name) == archiveStoreName {
			foundStore = true
		}
	}

	if !foundStore {
		return nil, fmt.Errorf("archive has no %s", archiveStoreName)
	}
	return restored, nil
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
