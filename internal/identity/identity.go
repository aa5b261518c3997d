// Package identity runs the external "identity script" named in spec.md
// §4.2/§6 and parses its key=value stdout into an ordered IdentityMap.
package identity

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

// Pair is one key=value emission from the identity script.
type Pair struct {
	Key   string
	Value string
}

// Map is the ordered, duplicate-preserving sequence spec.md §3 describes:
// the script may emit the same key more than once with different values,
// and every occurrence is retained in emission order (spec.md §9 Open
// Question 1 — the signed request body must not change shape).
type Map []Pair

// JSON renders the map as a JSON object text, built by hand rather than via
// encoding/json so that duplicate keys (legal JSON syntax, just not
// representable by a Go map) survive byte-for-byte in emission order.
func (m Map) JSON() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, p := range m {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(p.Key))
		b.WriteByte(':')
		b.WriteString(strconv.Quote(p.Value))
	}
	b.WriteByte('}')
	return b.String()
}

// Collector invokes the identity script and parses its output.
type Collector struct {
	scriptPath string
	args       []string
}

// New returns a Collector that runs scriptPath with the given arguments.
func New(scriptPath string, args ...string) *Collector {
	return &Collector{scriptPath: scriptPath, args: args}
}

// Collect runs the script and parses its stdout.
func (c *Collector) Collect(ctx context.Context) (Map, error) {
	cmd := exec.CommandContext(ctx, c.scriptPath, c.args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindSetup, err, "running identity script: "+strings.TrimSpace(stderr.String()))
	}

	return parseOutput(stdout.Bytes())
}

func parseOutput(output []byte) (Map, error) {
	var m Map

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, mendererrors.Newf(mendererrors.KindSetup, "identity script produced malformed line: %q", line)
		}
		m = append(m, Pair{Key: line[:idx], Value: line[idx+1:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindSetup, err, "reading identity script output")
	}

	return m, nil
}
