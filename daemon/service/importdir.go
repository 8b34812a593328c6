package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/bundle"
	"github.com/rhizomemesh/rhizome/internal/observability"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// ImportedDirName is the subdirectory files are moved to once added.
const ImportedDirName = ".imported"

type bundleAdder interface {
	AddBundle(ctx context.Context, payload io.Reader, opts bundle.Options) (*store.Entry, error)
}

// ImportWatcher turns files dropped into a directory into bundles named
// after the file.
type ImportWatcher struct {
	dir     string
	doneDir string
	adder   bundleAdder
	logger  *observability.Logger
	// Settle is how long a file must stay unmodified before it is added.
	Settle time.Duration

	pending map[string]time.Time
	now     func() time.Time
}

func NewImportWatcher(dir string, adder bundleAdder, logger *observability.Logger) (*ImportWatcher, error) {
	doneDir := filepath.Join(dir, ImportedDirName)
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create import directory: %w", err)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &ImportWatcher{
		dir:     dir,
		doneDir: doneDir,
		adder:   adder,
		logger:  logger.WithComponent("import"),
		Settle:  time.Second,
		pending: make(map[string]time.Time),
		now:     time.Now,
	}, nil
}

// Run watches the directory until ctx is done. Files already present are
// picked up too.
func (w *ImportWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		w.note(filepath.Join(w.dir, e.Name()))
	}

	tick := w.Settle / 2
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.note(ev.Name)
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				delete(w.pending, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "import watcher error")
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// note records a candidate path, restarting its settle period.
func (w *ImportWatcher) note(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return
	}
	// The file name becomes the manifest name, which must fit on one line.
	if !rhizome.ValidFieldValue(base) {
		w.logger.Warn(fmt.Sprintf("skipping %q: name contains a newline", base))
		return
	}
	w.pending[path] = w.now()
}

func (w *ImportWatcher) flush(ctx context.Context) {
	cutoff := w.now().Add(-w.Settle)
	for path, seen := range w.pending {
		if seen.After(cutoff) {
			continue
		}
		delete(w.pending, path)
		if err := w.importFile(ctx, path); err != nil {
			w.logger.Error(err, "failed to import "+filepath.Base(path))
		}
	}
}

func (w *ImportWatcher) importFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	e, err := w.adder.AddBundle(ctx, f, bundle.Options{Name: info.Name()})
	f.Close()
	if err != nil {
		return err
	}

	w.logger.WithBundle(e.Manifest.ID.String()).Info("imported " + info.Name())
	return os.Rename(path, filepath.Join(w.doneDir, info.Name()))
}
