package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/edgesync/edgesync/internal/logging"
)

// runCapture runs the CLI with args and returns combined stdout output.
func runCapture(t *testing.T, args []string) (string, error) {
	t.Helper()

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	ctx := context.Background()
	runErr := Run(ctx, args)

	if err := w.Close(); err != nil {
		t.Fatalf("failed to close pipe writer: %v", err)
	}
	os.Stdout = old

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("failed to read captured output: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("failed to close pipe reader: %v", err)
	}
	return buf.String(), runErr
}

func TestVersionVariables(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if Commit == "" {
		t.Error("Commit should not be empty")
	}
	if BuildDate == "" {
		t.Error("BuildDate should not be empty")
	}
}

func TestVersionCommand(t *testing.T) {
	output, err := runCapture(t, []string{"edgesync", "version"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, want := range []string{"edgesync version", "commit:", "built:", "go:", runtime.Version()} {
		if !strings.Contains(output, want) {
			t.Errorf("Run() output = %q, want substring %q", output, want)
		}
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 4 {
		t.Errorf("expected 4 lines of output, got %d: %q", len(lines), output)
	}
	if !strings.HasPrefix(lines[0], "edgesync version ") {
		t.Errorf("first line should start with 'edgesync version ', got %q", lines[0])
	}
}

func TestConfigureLogging(t *testing.T) {
	tests := map[string]struct {
		args      []string
		wantDebug bool
	}{
		"no flags leaves debug disabled": {
			args:      []string{"edgesync", "version"},
			wantDebug: false,
		},
		"verbose flag leaves debug disabled": {
			args:      []string{"edgesync", "--verbose", "version"},
			wantDebug: false,
		},
		"debug flag enables debug level": {
			args:      []string{"edgesync", "--debug", "version"},
			wantDebug: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			logging.SetDefault(logging.New(logging.DefaultOptions()))

			if _, err := runCapture(t, tt.args); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			got := slog.Default().Enabled(context.Background(), slog.LevelDebug)
			if got != tt.wantDebug {
				t.Errorf("debug logging enabled = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestSyncCommandDefinition(t *testing.T) {
	cmd := syncCommand()
	if cmd.Name != "sync" {
		t.Errorf("command name = %q, want %q", cmd.Name, "sync")
	}

	wantFlags := map[string]bool{"force": false, "priority": false, "direction": false}
	for _, f := range cmd.Flags {
		for _, name := range f.Names() {
			if _, ok := wantFlags[name]; ok {
				wantFlags[name] = true
			}
		}
	}
	for name, seen := range wantFlags {
		if !seen {
			t.Errorf("sync command missing flag %q", name)
		}
	}
}

func TestConflictsCommandDefinition(t *testing.T) {
	cmd := conflictsCommand()
	if cmd.Name != "conflicts" {
		t.Errorf("command name = %q, want %q", cmd.Name, "conflicts")
	}

	want := map[string]bool{"list": false, "show": false, "resolve": false, "review": false, "clear": false}
	for _, sub := range cmd.Commands {
		if _, ok := want[sub.Name]; ok {
			want[sub.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("conflicts command missing subcommand %q", name)
		}
	}
}

func TestQueueCommandDefinition(t *testing.T) {
	cmd := queueCommand()

	want := map[string]bool{"list": false, "dead-letters": false, "retry": false}
	for _, sub := range cmd.Commands {
		if _, ok := want[sub.Name]; ok {
			want[sub.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("queue command missing subcommand %q", name)
		}
	}
}

func TestConfigInitCommand(t *testing.T) {
	t.Setenv("EDGESYNC_HOME", t.TempDir())

	output, err := runCapture(t, []string{"edgesync", "--no-color", "config", "init"})
	if err != nil {
		t.Fatalf("config init error = %v", err)
	}
	if !strings.Contains(output, "edgesync.yaml") {
		t.Errorf("init output = %q, want config file path", output)
	}

	path := filepath.Join(os.Getenv("EDGESYNC_HOME"), "edgesync.yaml")
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("expected config file at %s: %v", path, statErr)
	}

	// Re-running must refuse to clobber the existing file.
	if _, err := runCapture(t, []string{"edgesync", "--no-color", "config", "init"}); err == nil {
		t.Error("expected error when config already exists")
	}
}

func TestConfigShowCommand(t *testing.T) {
	t.Setenv("EDGESYNC_HOME", t.TempDir())

	output, err := runCapture(t, []string{"edgesync", "--no-color", "config", "show"})
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}

	for _, want := range []string{"Remote", "base url:", "Pool", "Throttle", "Strategies", "attendance"} {
		if !strings.Contains(output, want) {
			t.Errorf("config show output missing %q in %q", want, output)
		}
	}
}

func TestStatusCommand(t *testing.T) {
	t.Setenv("EDGESYNC_HOME", t.TempDir())

	output, err := runCapture(t, []string{"edgesync", "--no-color", "status"})
	if err != nil {
		t.Fatalf("status error = %v", err)
	}

	for _, want := range []string{"Sync", "state:", "Queue", "pending:", "Connection pool", "Throttle"} {
		if !strings.Contains(output, want) {
			t.Errorf("status output missing %q in %q", want, output)
		}
	}
}

func TestQueueListEmpty(t *testing.T) {
	t.Setenv("EDGESYNC_HOME", t.TempDir())

	output, err := runCapture(t, []string{"edgesync", "--no-color", "queue", "list"})
	if err != nil {
		t.Fatalf("queue list error = %v", err)
	}
	if !strings.Contains(output, "queue is empty") {
		t.Errorf("queue list output = %q, want empty-queue message", output)
	}
}

func TestSyncCommandRejectsBadFlags(t *testing.T) {
	t.Setenv("EDGESYNC_HOME", t.TempDir())

	if _, err := runCapture(t, []string{"edgesync", "--no-color", "sync", "--direction", "sideways"}); err == nil {
		t.Error("expected error for unknown direction")
	}
	if _, err := runCapture(t, []string{"edgesync", "--no-color", "sync", "--priority", "urgent"}); err == nil {
		t.Error("expected error for unknown priority")
	}
}
