package provisioner

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var errUnsafePath = errors.New("archive entry escapes install directory")

// unzip extracts archive into dir, rejecting entries that would land outside of it.
func unzip(archive, dir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	for _, entry := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(entry.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", errUnsafePath, entry.Name)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := extractFile(entry, target); err != nil {
			return fmt.Errorf("extracting %s: %w", entry.Name, err)
		}
	}

	return nil
}

func extractFile(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// flatten finds the first directory in dir whose name contains marker and moves its contents up into
// dir, replacing existing entries, then removes the emptied directory.
func flatten(dir, marker string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var extracted string
	for _, e := range entries {
		if e.IsDir() && strings.Contains(strings.ToLower(e.Name()), marker) {
			extracted = filepath.Join(dir, e.Name())
			break
		}
	}

	if extracted == "" {
		log.Debug().Str("dir", dir).Msg("no nested release directory, nothing to flatten")
		return nil
	}

	// move aside first so a child sharing the directory's name can take its place
	staging := filepath.Join(dir, ".extract-"+filepath.Base(extracted))
	if err := os.Rename(extracted, staging); err != nil {
		return err
	}
	extracted = staging

	children, err := os.ReadDir(extracted)
	if err != nil {
		return err
	}

	for _, child := range children {
		dest := filepath.Join(dir, child.Name())
		if err := os.RemoveAll(dest); err != nil {
			return err
		}

		if err := os.Rename(filepath.Join(extracted, child.Name()), dest); err != nil {
			return err
		}
	}

	return os.Remove(extracted)
}
