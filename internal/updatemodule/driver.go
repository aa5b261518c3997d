package updatemodule

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

// DefaultTimeout is the per-call timeout New applies when it is given 0.
// A Driver uses one timeout for every state call of every module; there
// are no per-state or per-module overrides.
const DefaultTimeout = 1 * time.Hour

// brokenArtifactSuffix is the fixed string appended to an artifact's name
// when it is committed after a failed rollback (spec.md §4.6).
const brokenArtifactSuffix = "_INCONSISTENT"

// Driver discovers and invokes update-module executables.
type Driver struct {
	// modulesDir is <data>/modules/v3, per spec.md §4.6.
	modulesDir string
	// workDirBase is the root of per-payload scratch directories.
	workDirBase string
	timeout     time.Duration
	log         *logrus.Entry
}

// New builds a Driver. modulesDir must be the v3 modules directory
// (already including the "v3" path segment); workDirBase is the data
// store's update-module working-directory root.
func New(modulesDir, workDirBase string, timeout time.Duration, log *logrus.Entry) *Driver {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{modulesDir: modulesDir, workDirBase: workDirBase, timeout: timeout, log: log}
}

// ModulePath returns the executable for payloadType: modulesDir/payloadType,
// which must exist, must not be a directory and must have an execute bit.
// modulesDir itself is not enumerated.
func (d *Driver) ModulePath(payloadType string) (string, error) {
	path := filepath.Join(d.modulesDir, payloadType)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", mendererrors.Newf(mendererrors.KindSetup, "no update module registered for payload type %q", payloadType)
		}
		return "", mendererrors.Wrap(mendererrors.KindSetup, err, "statting update module "+path)
	}
	if info.IsDir() {
		return "", mendererrors.Newf(mendererrors.KindSetup, "update module path %q is a directory, not an executable", path)
	}
	if info.Mode()&0o111 == 0 {
		return "", mendererrors.Newf(mendererrors.KindSetup, "update module %q is not executable", path)
	}
	return path, nil
}

// WorkDir returns the deterministic per-payload working directory.
func (d *Driver) WorkDir(payloadType string) string {
	return filepath.Join(d.workDirBase, payloadType)
}

// invocationResult carries what a module call produced.
type invocationResult struct {
	firstLine string
}

// invoke spawns `<module> <state> <work-dir>` and waits for it, enforcing
// the per-call timeout and the query-state first-line-only contract
// (spec.md §4.6).
func (d *Driver) invoke(ctx context.Context, payloadType string, state State) (invocationResult, error) {
	modulePath, err := d.ModulePath(payloadType)
	if err != nil {
		return invocationResult{}, err
	}
	workDir := d.WorkDir(payloadType)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, modulePath, string(state), workDir)

	stdoutR, stdoutW := io.Pipe()
	var stderrBuf bytes.Buffer
	cmd.Stdout = stdoutW
	cmd.Stderr = &stderrBuf

	isQuery := queryStates[state]
	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go d.drainStdout(stdoutR, state, isQuery, lineCh, errCh)

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		return invocationResult{}, mendererrors.Wrap(mendererrors.KindGeneric, err, "starting update module "+modulePath)
	}

	waitErr := cmd.Wait()
	stdoutW.Close()

	if ctx.Err() == context.DeadlineExceeded {
		<-errDrained(lineCh, errCh)
		return invocationResult{}, mendererrors.Newf(mendererrors.KindTimeout, "update module %s %s timed out after %s", filepath.Base(modulePath), state, d.timeout)
	}

	var firstLine string
	select {
	case firstLine = <-lineCh:
	case protoErr := <-errCh:
		return invocationResult{}, protoErr
	}

	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return invocationResult{}, mendererrors.Newf(mendererrors.KindGeneric, "update module %s %s exited with code %d: %s", filepath.Base(modulePath), state, exitCode, strings.TrimSpace(stderrBuf.String()))
	}

	return invocationResult{firstLine: firstLine}, nil
}

// errDrained waits for drainStdout to finish (whichever channel it used) so
// the timeout path doesn't return before the reader goroutine has
// observed the pipe close from the killed process.
func errDrained(lineCh <-chan string, errCh <-chan error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		select {
		case <-lineCh:
		case <-errCh:
		}
		close(done)
	}()
	return done
}

// drainStdout reads stdout to completion, either capturing the first
// non-empty line (query states — more than one non-empty line is a
// protocol error) or streaming every line to the logger at info level
// (all other states), per spec.md §4.6.
func (d *Driver) drainStdout(r io.Reader, state State, isQuery bool, lineCh chan<- string, errCh chan<- error) {
	scanner := bufio.NewScanner(r)
	var first string
	seenFirst := false
	for scanner.Scan() {
		line := scanner.Text()
		if isQuery {
			if line == "" {
				continue
			}
			if seenFirst {
				errCh <- mendererrors.Newf(mendererrors.KindGeneric, "update module state %s produced more than one non-empty stdout line", state)
				io.Copy(io.Discard, r)
				return
			}
			first = line
			seenFirst = true
			continue
		}
		d.log.WithField("state", state).Info(line)
	}
	lineCh <- first
}
