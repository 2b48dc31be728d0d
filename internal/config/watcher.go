package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/agentcore/internal/telemetry"
)

// FileKind classifies a watched file.
type FileKind string

const (
	KindConfig  FileKind = "config"
	KindModels  FileKind = "models"
	KindPersona FileKind = "persona"
)

type ReloadEvent struct {
	Kind FileKind
	Path string
	Op   fsnotify.Op
}

// Watcher reports writes to config.yaml, models.yaml and PERSONA.md. It
// watches the home directory so files created after start are seen too.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
	kinds   map[string]FileKind
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger.With("component", "config"),
		events:  make(chan ReloadEvent, 16),
		kinds: map[string]FileKind{
			filepath.Base(ConfigPath(homeDir)):  KindConfig,
			filepath.Base(ModelsPath(homeDir)):  KindModels,
			filepath.Base(PersonaPath(homeDir)): KindPersona,
		},
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				kind, watched := w.kinds[filepath.Base(ev.Name)]
				if !watched {
					continue
				}
				select {
				case w.events <- ReloadEvent{Kind: kind, Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "kind", kind, "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
