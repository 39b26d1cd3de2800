package layout

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/magiconair/properties"
)

type stagedFile struct {
	temp  string
	final string
}

// stagedWrite holds temporary files until they are renamed into place.
type stagedWrite struct {
	logger *slog.Logger
	files  []stagedFile
	done   bool
}

func (w *stagedWrite) stage(dir, final string, p *properties.Properties) error {
	f, err := os.CreateTemp(dir, "."+filepath.Base(final)+".*.tmp")
	if err != nil {
		return fmt.Errorf("staging %s: %w", final, err)
	}
	w.files = append(w.files, stagedFile{temp: f.Name(), final: final})

	if _, err := p.Write(f, properties.UTF8); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", final, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing %s: %w", final, err)
	}
	return f.Close()
}

// Commit renames every staged file to its final name.
func (w *stagedWrite) Commit() error {
	if w.done {
		return nil
	}
	w.done = true

	var errs []error
	for _, f := range w.files {
		if err := os.Rename(f.temp, f.final); err != nil {
			errs = append(errs, fmt.Errorf("publishing %s: %w", f.final, err))
			_ = os.Remove(f.temp)
			continue
		}
		w.logger.Debug("properties written", "path", f.final)
	}
	return errors.Join(errs...)
}

// Discard removes every staged file.
func (w *stagedWrite) Discard() error {
	if w.done {
		return nil
	}
	w.done = true

	var errs []error
	for _, f := range w.files {
		if err := os.Remove(f.temp); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
