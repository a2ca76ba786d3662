package cmd

import (
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/kiln/cli/config"
	"github.com/justapithecus/kiln/log"
)

func flagNames(flags []cli.Flag) []string {
	var names []string
	for _, f := range flags {
		names = append(names, f.Names()...)
	}
	return names
}

func hasFlag(flags []cli.Flag, name string) bool {
	for _, n := range flagNames(flags) {
		if n == name {
			return true
		}
	}
	return false
}

func TestReadOnlyFlags_IncludeTUI(t *testing.T) {
	// --tui is present on every read-only command so unsupported commands
	// can reject it with a clear message instead of "flag not defined".
	flags := ReadOnlyFlags()

	for _, want := range []string{"format", "no-color", "tui"} {
		if !hasFlag(flags, want) {
			t.Errorf("ReadOnlyFlags() missing %q, got %v", want, flagNames(flags))
		}
	}
}

func TestTUIReadOnlyFlags_MatchReadOnlyFlags(t *testing.T) {
	a := flagNames(ReadOnlyFlags())
	b := flagNames(TUIReadOnlyFlags())

	if len(a) != len(b) {
		t.Fatalf("flag count mismatch: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("flag %d: %q != %q", i, a[i], b[i])
		}
	}
}

func TestJournalReadFlags_CoverBackends(t *testing.T) {
	flags := journalReadFlags()

	for _, want := range []string{"journal-dataset", "journal-backend", "journal-path", "pool-id", "day"} {
		if !hasFlag(flags, want) {
			t.Errorf("journalReadFlags() missing %q", want)
		}
	}
}

func TestIsStderrTTY(t *testing.T) {
	// Just verify it doesn't panic; the result depends on the test
	// environment.
	_ = isStderrTTY()
}

func TestCommandStructure(t *testing.T) {
	inspect := InspectCommand()
	if inspect.Name != "inspect" {
		t.Errorf("inspect command name = %q", inspect.Name)
	}
	if len(inspect.Subcommands) != 2 {
		t.Errorf("inspect has %d subcommands, want 2", len(inspect.Subcommands))
	}

	stats := StatsCommand()
	if stats.Name != "stats" {
		t.Errorf("stats command name = %q", stats.Name)
	}

	serve := ServeCommand()
	if serve.Name != "serve" {
		t.Errorf("serve command name = %q", serve.Name)
	}
	if !hasFlag(serve.Flags, "config") {
		t.Error("serve missing --config flag")
	}

	version := VersionCommand("abc123")
	if version.Name != "version" {
		t.Errorf("version command name = %q", version.Name)
	}
}

func TestBuildAdapters_Empty(t *testing.T) {
	adapters, err := buildAdapters(config.AdapterConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapters != nil {
		t.Errorf("expected nil adapters for empty config, got %v", adapters)
	}
}

func TestBuildAdapters_UnknownType(t *testing.T) {
	_, err := buildAdapters(config.AdapterConfig{Type: "kafka"})
	if err == nil {
		t.Fatal("expected error for unknown adapter type")
	}
	if !strings.Contains(err.Error(), "kafka") {
		t.Errorf("error should name the bad type: %v", err)
	}
}

func TestBuildAdapters_Webhook(t *testing.T) {
	adapters, err := buildAdapters(config.AdapterConfig{
		Type: "webhook",
		URL:  "https://example.com/hooks/kiln",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(adapters) != 1 {
		t.Fatalf("expected 1 adapter, got %d", len(adapters))
	}
	for _, a := range adapters {
		_ = a.Close()
	}
}

func TestBuildJournal_NoneConfigured(t *testing.T) {
	choice := &serveChoice{poolID: "kiln-test"}
	j, err := buildJournal(choice, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j != nil {
		t.Error("expected nil journal when no backend configured")
	}
}

func TestBuildJournal_FS(t *testing.T) {
	choice := &serveChoice{
		poolID: "kiln-test",
		journal: config.JournalConfig{
			Backend: "fs",
			Path:    t.TempDir(),
			App:     "testapp",
		},
	}

	j, err := buildJournal(choice, testLogger(t))
	if err != nil {
		t.Fatalf("buildJournal failed: %v", err)
	}
	if j == nil {
		t.Fatal("expected non-nil journal")
	}
	if j.Dataset() == nil {
		t.Error("journal has no dataset")
	}
}

func TestBuildJournal_FSRequiresPath(t *testing.T) {
	choice := &serveChoice{
		poolID:  "kiln-test",
		journal: config.JournalConfig{Backend: "fs"},
	}

	if _, err := buildJournal(choice, testLogger(t)); err == nil {
		t.Fatal("expected error for fs backend without path")
	}
}

func TestBuildJournal_UnknownBackend(t *testing.T) {
	choice := &serveChoice{
		poolID:  "kiln-test",
		journal: config.JournalConfig{Backend: "gcs", Path: "x"},
	}

	if _, err := buildJournal(choice, testLogger(t)); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.NewPoolLogger("kiln-test", log.ParseLevel("error"))
}
