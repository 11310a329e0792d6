// Package library places classified samples into an organized library, on
// local disk or in an S3-compatible bucket, and exports library manifests.
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kalambet/crate/internal/audio"
	"github.com/kalambet/crate/internal/classify"
	"github.com/kalambet/crate/internal/storage"
)

// Mode selects what LocalOrganizer does with the source file.
type Mode string

const (
	ModeCopy Mode = "copy"
	ModeMove Mode = "move"
	// ModeNone leaves files where they are.
	ModeNone Mode = "none"
)

// ParseMode accepts "", "copy", "move" and "none". The empty string means
// ModeCopy.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeCopy:
		return ModeCopy, nil
	case ModeMove:
		return ModeMove, nil
	case ModeNone:
		return ModeNone, nil
	}
	return "", fmt.Errorf("unknown organize mode %q", s)
}

// RelPath is where s lives inside a library: <category>/<mood>/<id>_<name>.
// Segments are slash-separated.
func RelPath(s storage.Sample) string {
	category := s.Category
	if !category.Valid() {
		category = classify.Other
	}
	mood := strings.Join(classify.Tokens(s.Mood), "-")
	if mood == "" {
		mood = classify.UnknownMood
	}
	name := filepath.Base(s.Name)
	if name == "." || name == string(filepath.Separator) {
		name = "sample"
	}
	return path.Join(category.Slug(), mood, s.ID+"_"+name)
}

// LocalOrganizer files samples under Root.
type LocalOrganizer struct {
	Root string
	Mode Mode
}

// NewLocal returns an organizer rooted at root.
func NewLocal(root string, mode Mode) *LocalOrganizer {
	return &LocalOrganizer{Root: root, Mode: mode}
}

// Place copies or moves srcPath into the library and returns the new
// absolute path. A file already at its destination is left alone.
func (o *LocalOrganizer) Place(ctx context.Context, s storage.Sample, srcPath string) (string, error) {
	if o.Mode == ModeNone {
		return srcPath, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := filepath.Abs(filepath.Join(o.Root, filepath.FromSlash(RelPath(s))))
	if err != nil {
		return "", err
	}
	if src, err := filepath.Abs(srcPath); err == nil && src == dst {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating library dir: %w", err)
	}

	if o.Mode == ModeMove {
		if err := os.Rename(srcPath, dst); err == nil {
			return dst, nil
		}
	}
	if err := copyFile(srcPath, dst); err != nil {
		return "", err
	}
	if o.Mode == ModeMove {
		if err := os.Remove(srcPath); err != nil {
			return "", fmt.Errorf("removing moved source: %w", err)
		}
	}
	return dst, nil
}

// Unplace undoes a Place whose record could not be stored: a moved file goes
// back to srcPath and a copy is deleted.
func (o *LocalOrganizer) Unplace(ctx context.Context, placed, srcPath string) error {
	if o.Mode == ModeNone || placed == srcPath || !o.owns(placed) {
		return nil
	}
	if o.Mode == ModeMove {
		if err := os.MkdirAll(filepath.Dir(srcPath), 0o755); err != nil {
			return err
		}
		if err := os.Rename(placed, srcPath); err == nil {
			return nil
		}
		if err := copyFile(placed, srcPath); err != nil {
			return fmt.Errorf("restoring %s: %w", srcPath, err)
		}
	}
	return removeFile(placed)
}

// Discard deletes a superseded library copy. Locations outside Root, such
// as files the library never owned, are left alone.
func (o *LocalOrganizer) Discard(ctx context.Context, location string) error {
	if o.Mode == ModeNone || !o.owns(location) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return removeFile(location)
}

func (o *LocalOrganizer) owns(p string) bool {
	root, err := filepath.Abs(o.Root)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func removeFile(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	return nil
}

// copyFile writes through a temp file in the destination directory so a
// partially copied sample is never visible under its final name.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".crate-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("installing %s: %w", dst, err)
	}
	return nil
}

// Scan returns every supported audio file under root, sorted. Hidden files
// and directories are skipped.
func Scan(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrPermission) && p != root {
				return nil
			}
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && audio.IsSupported(p) {
			abs, err := filepath.Abs(p)
			if err != nil {
				return err
			}
			out = append(out, abs)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return out, nil
}
