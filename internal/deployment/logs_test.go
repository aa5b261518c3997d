package deployment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// TestWrapLogMessages_ContentLengthFormula is Testable Property 9: for a
// log file of N bytes ending in exactly one newline, the wrapped body's
// length equals len(prefix) + (N-1) + len(suffix), and the body is valid
// JSON.
func TestWrapLogMessages_ContentLengthFormula(t *testing.T) {
	raw := []byte(`{"level":"info","message":"starting install"}
{"level":"info","message":"install finished"}
`)
	n := len(raw)

	body := buildLogBody(raw)
	wantLen := len(logMessagesPrefix) + (n - 1) + len(logMessagesSuffix)
	if len(body) != wantLen {
		t.Fatalf("len(body) = %d, want %d", len(body), wantLen)
	}

	var decoded struct {
		Messages []map[string]string `json:"messages"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v\nbody = %s", err, body)
	}
	if len(decoded.Messages) != 2 {
		t.Fatalf("decoded %d messages, want 2", len(decoded.Messages))
	}
	if decoded.Messages[0]["message"] != "starting install" {
		t.Errorf("messages[0] = %+v", decoded.Messages[0])
	}
	if decoded.Messages[1]["message"] != "install finished" {
		t.Errorf("messages[1] = %+v", decoded.Messages[1])
	}
}

func TestWrapLogMessages_SingleLineNoTrailingComma(t *testing.T) {
	raw := []byte(`{"message":"only one line"}` + "\n")
	body := buildLogBody(raw)

	var decoded struct {
		Messages []map[string]string `json:"messages"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v\nbody = %s", err, body)
	}
	if len(decoded.Messages) != 1 {
		t.Fatalf("decoded %d messages, want 1", len(decoded.Messages))
	}
}

func TestPushLogs_SendsExactContentLength(t *testing.T) {
	raw := []byte(`{"message":"a"}
{"message":"b"}
`)

	var gotContentLength int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authRequestHandler(w, r) {
			return
		}
		gotContentLength = r.ContentLength
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)

	logPath := filepath.Join(t.TempDir(), "deployments.0000.dep1.log")
	if err := os.WriteFile(logPath, raw, 0o600); err != nil {
		t.Fatalf("writing log fixture: %v", err)
	}

	if err := client.PushLogs(context.Background(), "dep1", logPath); err != nil {
		t.Fatalf("PushLogs() unexpected error = %v", err)
	}

	want := int64(len(logMessagesPrefix) + (len(raw) - 1) + len(logMessagesSuffix))
	if gotContentLength != want {
		t.Errorf("Content-Length = %d, want %d", gotContentLength, want)
	}
}

func TestPrepareLogFile_RotatesAndCapsAtFive(t *testing.T) {
	dir := t.TempDir()

	// Seed five pre-existing rotated logs (0001..0005), simulating a
	// history that already hit the retention cap.
	for i := 1; i <= 5; i++ {
		name := logFileName(i, "old-dep")
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("seeding %s: %v", name, err)
		}
	}

	path, err := PrepareLogFile(dir, "new-dep")
	if err != nil {
		t.Fatalf("PrepareLogFile() unexpected error = %v", err)
	}
	if filepath.Base(path) != logFileName(0, "new-dep") {
		t.Errorf("PrepareLogFile() path = %s, want index 0000", path)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() unexpected error = %v", err)
	}
	if len(entries) != maxRetainedLogs-1 {
		t.Fatalf("directory has %d entries after rotation, want %d (the new 0000 file has not been written yet)", len(entries), maxRetainedLogs-1)
	}

	// The oldest (formerly 0005) must have been pruned; survivors
	// re-indexed starting at 0001.
	for _, e := range entries {
		idx, ok := parseLogIndex(e.Name())
		if !ok {
			t.Errorf("unexpected file in log dir: %s", e.Name())
			continue
		}
		if idx < 1 || idx > maxRetainedLogs-1 {
			t.Errorf("file %s has out-of-range index %d", e.Name(), idx)
		}
	}
}
