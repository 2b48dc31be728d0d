package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/config"
)

func TestWatcher_ClassifiesModelsFileChange(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	modelsPath := config.ModelsPath(homeDir)
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	// Unwatched files in the same directory produce nothing.
	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	if err := os.WriteFile(modelsPath, []byte("models: []\n"), 0o644); err != nil {
		t.Fatalf("write models: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if ev.Kind != config.KindModels || filepath.Base(ev.Path) != "models.yaml" {
				t.Fatalf("expected models.yaml event, got %+v", ev)
			}
			return
		case <-writeTick.C:
			// Re-write the file in case the watcher was not yet ready.
			_ = os.WriteFile(modelsPath, []byte("models: []\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for models.yaml change event")
		}
	}
}

func TestWatcher_MissingHomeFails(t *testing.T) {
	w := config.NewWatcher(filepath.Join(t.TempDir(), "absent"), nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
}
