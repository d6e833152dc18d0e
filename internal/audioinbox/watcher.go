// Package audioinbox watches a drop folder for finished recordings and
// submits them for transcription.
package audioinbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Uploader submits one audio file and returns the resulting turn id.
type Uploader interface {
	UploadAudio(ctx context.Context, path string) (int, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

var audioExtensions = map[string]bool{
	".webm": true,
	".wav":  true,
	".mp3":  true,
	".ogg":  true,
	".m4a":  true,
}

// sentDirName is where successfully uploaded files are moved so a restart
// does not re-submit them.
const sentDirName = "sent"

type Options struct {
	Dir      string
	Uploader Uploader
	Logger   Logger
	// SettleDelay is how long a file's size must hold steady before it is
	// treated as fully written. Recorders stream into the file, so acting
	// on the first event would upload a truncated take.
	SettleDelay time.Duration
	// MaxBytes rejects files too large to upload. Zero means no local cap.
	MaxBytes int64
	// UploadTimeout bounds each upload request.
	UploadTimeout time.Duration
}

type Watcher struct {
	dir           string
	uploader      Uploader
	logger        Logger
	settleDelay   time.Duration
	maxBytes      int64
	uploadTimeout time.Duration
}

func New(opts Options) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("inbox dir is required")
	}
	if opts.Uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	uploadTimeout := opts.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 2 * time.Minute
	}
	return &Watcher{
		dir:           opts.Dir,
		uploader:      opts.Uploader,
		logger:        opts.Logger,
		settleDelay:   settle,
		maxBytes:      opts.MaxBytes,
		uploadTimeout: uploadTimeout,
	}, nil
}

// Run watches the inbox until ctx is cancelled. Files already present at
// start are processed first, then filesystem events drive the rest.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, sentDirName), 0o755); err != nil {
		return fmt.Errorf("prepare inbox: %w", err)
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer notifier.Close()
	if err := notifier.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if err := w.sweep(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isAudioFile(event.Name) {
				continue
			}
			w.process(ctx, event.Name)
		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.logf("inbox watcher: %v", err)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || !isAudioFile(entry.Name()) {
			continue
		}
		w.process(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) process(ctx context.Context, path string) {
	size, err := w.waitSettled(ctx, path)
	if err != nil {
		w.logf("inbox: skipping %s: %v", filepath.Base(path), err)
		return
	}
	if size == 0 {
		w.logf("inbox: skipping empty file %s", filepath.Base(path))
		return
	}
	if w.maxBytes > 0 && size > w.maxBytes {
		w.logf("inbox: skipping %s: %d bytes exceeds limit %d", filepath.Base(path), size, w.maxBytes)
		return
	}

	uploadCtx, cancel := context.WithTimeout(ctx, w.uploadTimeout)
	turnID, err := w.uploader.UploadAudio(uploadCtx, path)
	cancel()
	if err != nil {
		w.logf("inbox: upload %s failed: %v", filepath.Base(path), err)
		return
	}
	w.logf("inbox: uploaded %s as turn %d", filepath.Base(path), turnID)

	dest := filepath.Join(w.dir, sentDirName, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logf("inbox: move %s to sent: %v", filepath.Base(path), err)
	}
}

// waitSettled blocks until two consecutive size checks agree, then returns
// the settled size.
func (w *Watcher) waitSettled(ctx context.Context, path string) (int64, error) {
	var last int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		if info.Size() == last {
			return last, nil
		}
		last = info.Size()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(w.settleDelay):
		}
	}
}

func isAudioFile(name string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(name))]
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
