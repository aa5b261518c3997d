package deployment

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/mendersoftware/mender-sub010/internal/apiclient"
	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

const (
	logMessagesPrefix = `{"messages":[`
	logMessagesSuffix = `]}`

	logFileNamePattern = "deployments.%04d.%s.log"
	maxRetainedLogs    = 5
	minFreeBytes       = 100 * 1024
)

// wrapLogMessages implements spec.md §4.7's "wraps a line-delimited log
// file into JSON ... on the fly (replacing newlines with commas around the
// JSON objects)": each log line is already one JSON object; the single
// trailing newline the file ends in is dropped outright, and every
// remaining newline — the separator between one message and the next — is
// replaced byte-for-byte with a comma. Both transforms are length
// preserving except for the dropped trailing byte, which is exactly
// Testable Property 9's Content-Length formula.
func wrapLogMessages(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	if data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	out := make([]byte, len(data))
	copy(out, data)
	for i, b := range out {
		if b == '\n' {
			out[i] = ','
		}
	}
	return out
}

// buildLogBody wraps raw log-file bytes into the {"messages":[...]} array
// spec.md §4.7 PUTs to the server.
func buildLogBody(raw []byte) []byte {
	body := make([]byte, 0, len(logMessagesPrefix)+len(raw)+len(logMessagesSuffix))
	body = append(body, logMessagesPrefix...)
	body = append(body, wrapLogMessages(raw)...)
	body = append(body, logMessagesSuffix...)
	return body
}

// PushLogs ships the log file at logFilePath for deploymentID. The
// Content-Length the server sees is exactly len(raw file)-1 (one stripped
// trailing newline) plus the fixed wrapper length, per Testable
// Property 9.
func (c *Client) PushLogs(ctx context.Context, deploymentID, logFilePath string) error {
	raw, err := os.ReadFile(logFilePath)
	if err != nil {
		return mendererrors.Wrap(mendererrors.KindRequest, err, "reading deployment log "+logFilePath)
	}

	req := apiclient.NewAPIRequest(http.MethodPut, formatPath(logPathFormat, deploymentID), buildLogBody(raw))
	req.Header.Set("Content-Type", "application/json")

	status, _, err := c.call(req)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusNoContent:
		return nil
	case status == http.StatusConflict:
		return mendererrors.New(mendererrors.KindDeploymentAborted, "push_logs: deployment was aborted by the server")
	default:
		return mendererrors.Newf(mendererrors.KindBadResponse, "push_logs: unexpected status %d", status)
	}
}

// logFileName formats the retention-indexed file name spec.md §4.7 uses:
// deployments.<NNNN>.<id>.log, with 0000 always reserved for the
// currently-being-written log.
func logFileName(index int, deploymentID string) string {
	return fmt.Sprintf(logFileNamePattern, index, deploymentID)
}

// PrepareLogFile returns the path the caller should write deploymentID's
// new log to (always index 0000 in logDir), after pruning older logs down
// to spec.md §4.7's retention policy: keep at most five files total and
// keep at least 100 KiB free, re-indexing survivors as 0001, 0002, ... in
// recency order.
func PrepareLogFile(logDir, deploymentID string) (string, error) {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return "", mendererrors.Wrap(mendererrors.KindRequest, err, "creating deployment log directory")
	}

	if err := rotateLogs(logDir); err != nil {
		return "", err
	}

	return filepath.Join(logDir, logFileName(0, deploymentID)), nil
}

type indexedLogFile struct {
	index int
	name  string
}

// rotateLogs frees the 0000 slot for the caller's new log: every existing
// log, 0000 included, is pruned oldest-first and re-indexed from 0001 so at
// most maxRetainedLogs-1 survive and at least minFreeBytes remains free on
// the filesystem backing logDir.
func rotateLogs(logDir string) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return mendererrors.Wrap(mendererrors.KindRequest, err, "listing deployment log directory")
	}

	var files []indexedLogFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := parseLogIndex(e.Name())
		if !ok {
			continue
		}
		files = append(files, indexedLogFile{index: idx, name: e.Name()})
	}
	// Lower index is more recent (0001 is the log most recently rotated
	// out of the 0000 slot); sort ascending so the tail is the oldest.
	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	for len(files) > maxRetainedLogs-1 || belowFreeThreshold(logDir) {
		if len(files) == 0 {
			break
		}
		oldest := files[len(files)-1]
		if err := os.Remove(filepath.Join(logDir, oldest.name)); err != nil && !os.IsNotExist(err) {
			return mendererrors.Wrap(mendererrors.KindRequest, err, "pruning deployment log "+oldest.name)
		}
		files = files[:len(files)-1]
	}

	// Highest index first, so each rename's target slot is already free.
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		newIdx := i + 1
		if newIdx == f.index {
			continue
		}
		deploymentID := deploymentIDFromLogName(f.name)
		oldPath := filepath.Join(logDir, f.name)
		newPath := filepath.Join(logDir, logFileName(newIdx, deploymentID))
		if err := os.Rename(oldPath, newPath); err != nil {
			return mendererrors.Wrap(mendererrors.KindRequest, err, "re-indexing deployment log "+f.name)
		}
	}
	return nil
}

// parseLogIndex extracts the NNNN segment from a deployments.NNNN.<id>.log
// file name.
func parseLogIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "deployments.") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	parts := strings.SplitN(name, ".", 3)
	if len(parts) < 3 {
		return 0, false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

func deploymentIDFromLogName(name string) string {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) < 3 {
		return ""
	}
	return strings.TrimSuffix(parts[2], ".log")
}

// belowFreeThreshold reports whether the filesystem backing dir has less
// than minFreeBytes available. statfs(2) is stdlib-only (no third-party
// disk-usage library appears anywhere in the retrieval pack), so this one
// call is a deliberate, justified exception to the "prefer a pack library"
// rule — see DESIGN.md.
func belowFreeThreshold(dir string) bool {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return false
	}
	available := stat.Bavail * uint64(stat.Bsize)
	return available < minFreeBytes
}
