package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
)

// Archive entry names.
const (
	entryDB      = "hive.db"
	entryResults = "results.jsonl"
)

type archiveFile struct {
	name string
	path string
}

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return errors.New("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hive backup -f <output.tar.zst>\n")
		return errors.New("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tmp, err := os.MkdirTemp("", "hive-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	snap := filepath.Join(tmp, entryDB)
	if err := db.Snapshot(snap); err != nil {
		return err
	}
	files := []archiveFile{{name: entryDB, path: snap}}

	if cfg.Store.ResultsFile != "" {
		if _, err := os.Stat(cfg.Store.ResultsFile); err == nil {
			files = append(files, archiveFile{name: entryResults, path: cfg.Store.ResultsFile})
		} else {
			slog.Warn("results file not found, skipping", "path", cfg.Store.ResultsFile)
		}
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	if err := writeArchive(f, files); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	size := int64(0)
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", len(files), formatSize(size))
	return nil
}

// writeArchive writes files as a zstd-compressed tar stream.
func writeArchive(w io.Writer, files []archiveFile) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, af := range files {
		if err := addFile(tw, af); err != nil {
			return fmt.Errorf("archive %s: %w", af.name, err)
		}
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, af archiveFile) error {
	f, err := os.Open(af.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = af.name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return errors.New("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hive restore -f <backup.tar.zst> [-overwrite]\n\nStop hive before restoring.\n")
		return errors.New("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	targets := restoreTargets(cfg.Store)

	// Pre-scan so that nothing is written when the archive would clobber
	// existing files.
	names, err := scanArchive(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(names) == 0 {
		fmt.Println("Archive contains no files.")
		return nil
	}
	if !overwrite {
		for _, name := range names {
			target, ok := targets[name]
			if !ok {
				continue
			}
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists, add -overwrite to replace it", target)
			}
		}
	}

	n, err := restoreArchive(inputPath, targets)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", n)
	return nil
}

// restoreTargets maps archive entries to where they are restored.
func restoreTargets(cfg config.StoreConfig) map[string]string {
	targets := map[string]string{entryDB: cfg.Path}
	if cfg.ResultsFile != "" {
		targets[entryResults] = cfg.ResultsFile
	}
	return targets
}

// entryName normalizes an archive entry name.
func entryName(name string) string {
	return strings.TrimPrefix(strings.TrimLeft(name, "/"), "./")
}

// scanArchive lists the regular files in an archive without extracting them.
func scanArchive(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, entryName(hdr.Name))
		}
	}
	return names, nil
}

// restoreArchive writes every known entry to its target. Entries without a
// target are skipped.
func restoreArchive(path string, targets map[string]string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := entryName(hdr.Name)
		target, ok := targets[name]
		if !ok {
			slog.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}
		if err := restoreFile(tr, target, name == entryDB); err != nil {
			return restored, fmt.Errorf("restore %s: %w", name, err)
		}
		slog.Info("restored file", "name", name, "path", target)
		restored++
	}
	return restored, nil
}

// restoreFile writes r next to target and renames it into place. A
// restored database drops its stale WAL files first.
func restoreFile(r io.Reader, target string, sqlite bool) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp := target + ".restore"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if sqlite {
		for _, suffix := range []string{"-wal", "-shm"} {
			if err := os.Remove(target + suffix); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return os.Rename(tmp, target)
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
