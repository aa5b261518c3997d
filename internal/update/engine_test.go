package update

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mendersoftware/mender-sub010/internal/kvstore"
	"github.com/mendersoftware/mender-sub010/internal/updatemodule"
)

// writeFakeModule installs a single shell-script "rootfs-image" module
// whose behavior per state is steered by environment variables, mirroring
// the fake-module idiom of internal/updatemodule/driver_test.go.
func writeFakeModule(t *testing.T, modulesDir string) {
	t.Helper()
	script := `#!/bin/sh
case "$1" in
  ProvidePayloadFileSizes) echo "No" ;;
  ArtifactInstall) exit "${FAKE_ARTIFACT_INSTALL_EXIT:-0}" ;;
  NeedsArtifactReboot) echo "${FAKE_NEEDS_REBOOT:-No}" ;;
  SupportsRollback) echo "${FAKE_SUPPORTS_ROLLBACK:-Yes}" ;;
  ArtifactRollback) exit "${FAKE_ROLLBACK_EXIT:-0}" ;;
  *) exit 0 ;;
esac
`
	path := filepath.Join(modulesDir, "rootfs-image")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake module: %v", err)
	}
}

// writeFailingModule installs a module that always fails, used to prove a
// code path never invokes it (Testable Property 8).
func writeFailingModule(t *testing.T, modulesDir, payloadType string) {
	t.Helper()
	path := filepath.Join(modulesDir, payloadType)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("writing failing module: %v", err)
	}
}

func newTestEngine(t *testing.T, modulesDir string, parse HeaderParser) (*Engine, kvstore.Store) {
	t.Helper()
	store, err := kvstore.NewFileStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewFileStore() unexpected error = %v", err)
	}
	driver := updatemodule.New(modulesDir, t.TempDir(), 5*time.Second, nil)
	eng := New(Config{
		Store:       store,
		Driver:      driver,
		Source:      NewArtifactSource(nil),
		ParseHeader: parse,
		DeviceType:  "test-device",
	})
	return eng, store
}

func headerParserFor(h updatemodule.Header) HeaderParser {
	return func(r io.Reader) (updatemodule.Header, error) {
		return h, nil
	}
}

func writeArtifactFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.mender")
	if err := os.WriteFile(path, []byte("fake artifact bytes"), 0o600); err != nil {
		t.Fatalf("writing fake artifact file: %v", err)
	}
	return path
}

func TestEngine_MetadataOnlyFastPath(t *testing.T) {
	modulesDir := t.TempDir()
	writeFailingModule(t, modulesDir, "should-never-run")

	header := updatemodule.Header{
		PayloadType: "",
		Name:        "metadata-only-v1",
		Provides:    map[string]string{"rootfs-image.checksum": "abc123"},
	}
	eng, store := newTestEngine(t, modulesDir, headerParserFor(header))

	outcome := eng.Install(context.Background(), writeArtifactFile(t))
	if outcome.Result != ResultInstalledAndCommitted {
		t.Fatalf("Install() result = %v, err = %v, want %v", outcome.Result, outcome.Err, ResultInstalledAndCommitted)
	}

	name, err := store.GetValue(context.Background(), kvstore.ArtifactNameKey)
	if err != nil {
		t.Fatalf("reading artifact-name: %v", err)
	}
	if string(name) != "metadata-only-v1" {
		t.Errorf("artifact-name = %q, want %q", name, "metadata-only-v1")
	}
}

func TestEngine_InstallHappyPath_RebootRequired(t *testing.T) {
	modulesDir := t.TempDir()
	writeFakeModule(t, modulesDir)
	t.Setenv("FAKE_NEEDS_REBOOT", "Automatic")
	t.Setenv("FAKE_SUPPORTS_ROLLBACK", "Yes")

	header := updatemodule.Header{
		PayloadType: "rootfs-image",
		Name:        "v2",
		Provides:    map[string]string{"artifact_name": "v2"},
	}
	eng, store := newTestEngine(t, modulesDir, headerParserFor(header))

	outcome := eng.Install(context.Background(), writeArtifactFile(t))
	if outcome.Result != ResultInstalledRebootRequired {
		t.Fatalf("Install() result = %v, err = %v, want %v", outcome.Result, outcome.Err, ResultInstalledRebootRequired)
	}

	pending, err := eng.HasPendingUpdate(context.Background())
	if err != nil {
		t.Fatalf("HasPendingUpdate() unexpected error = %v", err)
	}
	if !pending {
		t.Fatal("HasPendingUpdate() = false after InstalledRebootRequired, want true")
	}

	commitOutcome := eng.Commit(context.Background())
	if commitOutcome.Result != ResultCommitted {
		t.Fatalf("Commit() result = %v, err = %v, want %v", commitOutcome.Result, commitOutcome.Err, ResultCommitted)
	}

	pending, err = eng.HasPendingUpdate(context.Background())
	if err != nil {
		t.Fatalf("HasPendingUpdate() after commit unexpected error = %v", err)
	}
	if pending {
		t.Fatal("HasPendingUpdate() = true after Commit(), want false")
	}

	name, err := store.GetValue(context.Background(), kvstore.ArtifactNameKey)
	if err != nil {
		t.Fatalf("reading artifact-name: %v", err)
	}
	if string(name) != "v2" {
		t.Errorf("artifact-name = %q, want %q", name, "v2")
	}
}

func TestEngine_FailedAndNoRollback_BrokenArtifactName(t *testing.T) {
	modulesDir := t.TempDir()
	writeFakeModule(t, modulesDir)
	t.Setenv("FAKE_ARTIFACT_INSTALL_EXIT", "1")
	t.Setenv("FAKE_SUPPORTS_ROLLBACK", "No")

	header := updatemodule.Header{
		PayloadType: "rootfs-image",
		Name:        "v3",
	}
	eng, store := newTestEngine(t, modulesDir, headerParserFor(header))

	outcome := eng.Install(context.Background(), writeArtifactFile(t))
	if outcome.Result != ResultFailedAndNoRollback {
		t.Fatalf("Install() result = %v, err = %v, want %v", outcome.Result, outcome.Err, ResultFailedAndNoRollback)
	}

	name, err := store.GetValue(context.Background(), kvstore.ArtifactNameKey)
	if err != nil {
		t.Fatalf("reading artifact-name: %v", err)
	}
	if string(name) != "v3_INCONSISTENT" {
		t.Errorf("artifact-name = %q, want %q", name, "v3_INCONSISTENT")
	}

	pending, err := eng.HasPendingUpdate(context.Background())
	if err != nil {
		t.Fatalf("HasPendingUpdate() unexpected error = %v", err)
	}
	if pending {
		t.Fatal("HasPendingUpdate() = true after FailedAndNoRollback, want false (StateData must be cleared)")
	}
}

func TestEngine_FailedAndRolledBack(t *testing.T) {
	modulesDir := t.TempDir()
	writeFakeModule(t, modulesDir)
	t.Setenv("FAKE_ARTIFACT_INSTALL_EXIT", "1")
	t.Setenv("FAKE_SUPPORTS_ROLLBACK", "Yes")

	header := updatemodule.Header{PayloadType: "rootfs-image", Name: "v4"}
	eng, _ := newTestEngine(t, modulesDir, headerParserFor(header))

	outcome := eng.Install(context.Background(), writeArtifactFile(t))
	if outcome.Result != ResultFailedAndRolledBack {
		t.Fatalf("Install() result = %v, err = %v, want %v", outcome.Result, outcome.Err, ResultFailedAndRolledBack)
	}
}

func TestEngine_Install_RejectsWhenInProgress(t *testing.T) {
	modulesDir := t.TempDir()
	writeFakeModule(t, modulesDir)
	t.Setenv("FAKE_NEEDS_REBOOT", "Yes")

	header := updatemodule.Header{PayloadType: "rootfs-image", Name: "v5"}
	eng, _ := newTestEngine(t, modulesDir, headerParserFor(header))

	first := eng.Install(context.Background(), writeArtifactFile(t))
	if first.Result != ResultInstalledRebootRequired {
		t.Fatalf("first Install() result = %v, err = %v", first.Result, first.Err)
	}

	second := eng.Install(context.Background(), writeArtifactFile(t))
	if second.Result != ResultFailedNothingDone {
		t.Fatalf("second Install() result = %v, want %v (operation in progress)", second.Result, ResultFailedNothingDone)
	}
}

func TestEngine_Commit_NoUpdateInProgress(t *testing.T) {
	modulesDir := t.TempDir()
	eng, _ := newTestEngine(t, modulesDir, headerParserFor(updatemodule.Header{}))

	outcome := eng.Commit(context.Background())
	if outcome.Result != ResultNoUpdateInProgress {
		t.Fatalf("Commit() result = %v, want %v", outcome.Result, ResultNoUpdateInProgress)
	}
}

func TestEngine_Rollback_NoSupportKeepsState(t *testing.T) {
	modulesDir := t.TempDir()
	writeFakeModule(t, modulesDir)
	t.Setenv("FAKE_NEEDS_REBOOT", "No")
	t.Setenv("FAKE_SUPPORTS_ROLLBACK", "No")

	header := updatemodule.Header{PayloadType: "rootfs-image", Name: "v6"}
	eng, store := newTestEngine(t, modulesDir, headerParserFor(header))

	install := eng.Install(context.Background(), writeArtifactFile(t))
	// SupportsRollback=No on Install means the engine auto-commits;
	// exercise Rollback's own NoRollback path directly against a
	// hand-placed StateData instead, since there is nothing left to roll
	// back once auto-commit has already run.
	if install.Result != ResultInstalledAndCommitted {
		t.Fatalf("Install() result = %v, err = %v, want %v", install.Result, install.Err, ResultInstalledAndCommitted)
	}

	rollback := eng.Rollback(context.Background())
	if rollback.Result != ResultNoUpdateInProgress {
		t.Fatalf("Rollback() after auto-commit result = %v, want %v", rollback.Result, ResultNoUpdateInProgress)
	}

	placed := &StateData{Version: stateDataVersion, Phase: PhaseInstalled, PayloadTypes: []string{"rootfs-image"}, ArtifactName: "v6"}
	if err := saveStateData(context.Background(), store, placed); err != nil {
		t.Fatalf("saveStateData() unexpected error = %v", err)
	}
	rollback = eng.Rollback(context.Background())
	if rollback.Result != ResultNoRollback {
		t.Fatalf("Rollback() on hand-placed StateData result = %v, err = %v, want %v", rollback.Result, rollback.Err, ResultNoRollback)
	}
	pending, err := eng.HasPendingUpdate(context.Background())
	if err != nil {
		t.Fatalf("HasPendingUpdate() unexpected error = %v", err)
	}
	if !pending {
		t.Errorf("HasPendingUpdate() = false after NoRollback, want the StateData kept")
	}
}
