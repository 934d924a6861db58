package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/nudge/internal/config"
)

func TestConfigYAML_LoadsAndValidates(t *testing.T) {
	if len(ConfigYAML) == 0 {
		t.Fatal("embedded config is empty")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Models.Default == "" {
		t.Error("example config has no default model")
	}
	if cfg.Telegram.PollTimeoutSec != 30 {
		t.Errorf("telegram.poll_timeout_sec = %d, want 30", cfg.Telegram.PollTimeoutSec)
	}
}
