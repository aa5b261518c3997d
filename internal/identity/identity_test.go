package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("writing fake identity script: %v", err)
	}
	return path
}

func TestCollector_Collect_Success(t *testing.T) {
	script := writeScript(t, `
echo "mac=de:ad:be:ef:00:01"
echo "sn=1234"
`)

	c := New(script)
	m, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() unexpected error = %v", err)
	}

	want := Map{{Key: "mac", Value: "de:ad:be:ef:00:01"}, {Key: "sn", Value: "1234"}}
	if len(m) != len(want) {
		t.Fatalf("Collect() = %v, want %v", m, want)
	}
	for i := range want {
		if m[i] != want[i] {
			t.Errorf("pair[%d] = %v, want %v", i, m[i], want[i])
		}
	}
}

func TestCollector_Collect_PreservesDuplicateKeys(t *testing.T) {
	script := writeScript(t, `
echo "tag=a"
echo "tag=b"
`)

	c := New(script)
	m, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() unexpected error = %v", err)
	}

	want := Map{{Key: "tag", Value: "a"}, {Key: "tag", Value: "b"}}
	if len(m) != len(want) || m[0] != want[0] || m[1] != want[1] {
		t.Fatalf("Collect() = %v, want %v (duplicate keys must survive in emission order)", m, want)
	}
}

func TestCollector_Collect_NonZeroExit(t *testing.T) {
	script := writeScript(t, `
echo "broken" >&2
exit 1
`)

	c := New(script)
	if _, err := c.Collect(context.Background()); err == nil {
		t.Fatal("Collect() with a failing script succeeded, want error")
	}
}

func TestCollector_Collect_MalformedLine(t *testing.T) {
	script := writeScript(t, `
echo "not-a-key-value-pair"
`)

	c := New(script)
	if _, err := c.Collect(context.Background()); err == nil {
		t.Fatal("Collect() with a malformed line succeeded, want error")
	}
}

func TestCollector_Collect_PassesArgs(t *testing.T) {
	script := writeScript(t, `
echo "arg1=$1"
echo "arg2=$2"
`)

	c := New(script, "foo", "bar")
	m, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() unexpected error = %v", err)
	}

	want := Map{{Key: "arg1", Value: "foo"}, {Key: "arg2", Value: "bar"}}
	if len(m) != len(want) || m[0] != want[0] || m[1] != want[1] {
		t.Fatalf("Collect() = %v, want %v", m, want)
	}
}

func TestMap_JSON(t *testing.T) {
	m := Map{{Key: "mac", Value: "de:ad"}, {Key: "tag", Value: "a"}, {Key: "tag", Value: "b"}}
	got := m.JSON()
	want := `{"mac":"de:ad","tag":"a","tag":"b"}`
	if got != want {
		t.Errorf("JSON() = %q, want %q", got, want)
	}
}

func TestMap_JSON_Empty(t *testing.T) {
	var m Map
	if got := m.JSON(); got != "{}" {
		t.Errorf("JSON() on an empty map = %q, want %q", got, "{}")
	}
}
