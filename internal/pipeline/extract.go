package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/docker/docker/pkg/archive"
	"github.com/gabriel-vasile/mimetype"
)

// Extract unpacks a tar (optionally compressed) or zip archive into dest.
// Tar is tried first unless the content is recognised as zip.
func Extract(archivePath, dest string) error {
	mt, err := mimetype.DetectFile(archivePath)
	if err != nil {
		return fmt.Errorf("failed to inspect sources: %w", err)
	}
	if mt.Is("application/zip") {
		return unzip(archivePath, dest)
	}

	tarErr := untar(archivePath, dest)
	if tarErr == nil {
		return nil
	}
	if zipErr := unzip(archivePath, dest); zipErr != nil {
		return fmt.Errorf("failed to extract sources (%s): tar: %v, zip: %w", mt.String(), tarErr, zipErr)
	}
	return nil
}

func untar(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	return archive.Untar(f, dest, &archive.TarOptions{NoLchown: true})
}

func unzip(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := securejoin.SecureJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := unzipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func unzipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
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

// Flatten lifts the children of a lone top-level directory into dir.
// It reports whether anything moved.
func Flatten(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return false, nil
	}

	inner := filepath.Join(dir, entries[0].Name())
	children, err := os.ReadDir(inner)
	if err != nil {
		return false, err
	}

	// the inner directory may contain an entry with its own name
	tmp := inner + ".flatten"
	if err := os.Rename(inner, tmp); err != nil {
		return false, err
	}
	for _, c := range children {
		if err := os.Rename(filepath.Join(tmp, c.Name()), filepath.Join(dir, c.Name())); err != nil {
			return false, err
		}
	}
	return true, os.Remove(tmp)
}
