// ABOUTME: Fire-and-forget workspace snapshots as tar.gz archives
// ABOUTME: Invoked on successful runs; failures never affect the event log

package snapshot

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Saver persists a copy of a project workspace. Implementations are
// best-effort; callers fire and forget.
type Saver interface {
	Save(ctx context.Context, projectID, dir string) (string, error)
}

// ArchiveSaver writes workspace snapshots as tar.gz files under a
// destination directory. The sandbox is ephemeral; the archive is the
// only artifact of a run that survives it besides the event log.
type ArchiveSaver struct {
	destDir string
	logger  *slog.Logger
}

func NewArchiveSaver(destDir string) (*ArchiveSaver, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &ArchiveSaver{
		destDir: destDir,
		logger:  slog.Default().With("component", "snapshot"),
	}, nil
}

// Save archives dir into <destDir>/<projectID>-<timestamp>.tar.gz and
// returns the archive path.
func (s *ArchiveSaver) Save(ctx context.Context, projectID, dir string) (string, error) {
	name := fmt.Sprintf("%s-%s.tar.gz", projectID, time.Now().UTC().Format("20060102T150405"))
	dest := filepath.Join(s.destDir, name)

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		// Dependency trees are reproducible and dominate the size.
		if d.IsDir() && (d.Name() == "node_modules" || d.Name() == ".git") {
			return filepath.SkipDir
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		// Symlinks and devices are not worth carrying.
		if !info.Mode().IsRegular() && !d.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		tw.Close()
		gz.Close()
		os.Remove(dest)
		return "", fmt.Errorf("archiving %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("finalizing tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("finalizing gzip: %w", err)
	}

	s.logger.Info("snapshot written", "project_id", projectID, "path", dest)
	return dest, nil
}
