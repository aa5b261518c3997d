// Package update implements the Update State Engine (spec.md §4.5): it
// drives a single artifact through install/commit/rollback with crash
// recovery, persisting StateData via internal/kvstore and delegating every
// module-specific state call to internal/updatemodule. Subprocess
// invocation is grounded on the teacher's context.WithTimeout + client.Ping
// idiom in docker-agent/main.go's NewDockerAgent, here generalized one
// level further (update's Engine never calls exec itself; it only calls
// through updatemodule.Driver).
package update

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
	"github.com/mendersoftware/mender-sub010/internal/kvstore"
	"github.com/mendersoftware/mender-sub010/internal/updatemodule"
)

// Config wires an Engine's collaborators.
type Config struct {
	Store       kvstore.Store
	Driver      *updatemodule.Driver
	Source      ArtifactSource
	ParseHeader HeaderParser
	DeviceType  string
	Log         *logrus.Entry
}

// Engine drives a single artifact through install/commit/rollback with
// crash recovery. Install/Commit/Rollback all take the same mutex: spec.md
// §5 places the engine on a single daemon's cooperative event loop, so
// this only guards against a programming error invoking two operations
// concurrently from Go code, not against genuine cross-process contention
// (that is the KV store's write-transaction's job).
type Engine struct {
	cfg Config
	mu  sync.Mutex
}

// New builds an Engine. cfg.Log defaults to the standard logger.
func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{cfg: cfg}
}

// HasPendingUpdate reports whether StateData is present — i.e. whether the
// caller must invoke Commit or Rollback before any new Install (spec.md
// §4.5 "Crash recovery: on startup, load StateData...").
func (e *Engine) HasPendingUpdate(ctx context.Context) (bool, error) {
	sd, err := loadStateData(ctx, e.cfg.Store)
	if err != nil {
		return false, err
	}
	return sd != nil, nil
}

// Install begins a new update from a local file path or an http(s) URL.
// It rejects the call outright if an update is already in progress
// (spec.md §4.5 "rejects if StateData is present").
func (e *Engine) Install(ctx context.Context, sourceURIOrPath string) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := loadStateData(ctx, e.cfg.Store)
	if err != nil {
		return failure(ResultFailedNothingDone, err)
	}
	if existing != nil {
		return failure(ResultFailedNothingDone, mendererrors.ErrOperationInProgress)
	}

	stream, err := e.cfg.Source.Open(ctx, sourceURIOrPath)
	if err != nil {
		return failure(ResultFailedNothingDone, err)
	}
	defer stream.Close()

	header, err := e.cfg.ParseHeader(stream)
	if err != nil {
		return failure(ResultFailedNothingDone, mendererrors.Wrap(mendererrors.KindInvalidData, err, "parsing artifact header"))
	}

	// Metadata-only artifact: bypass the state machine and update-module
	// invocations entirely (spec.md §4.5, Testable Property 8).
	if header.PayloadType == "" {
		return e.commitMetadataOnly(ctx, header)
	}

	sd := &StateData{
		Phase:          PhaseDownloading,
		PayloadTypes:   []string{header.PayloadType},
		ArtifactName:   header.Name,
		ArtifactGroup:  header.Group,
		Provides:       header.Provides,
		ClearsProvides: header.ClearsProvides,
	}

	if err := e.cfg.Driver.PrepareWorkDir(header.PayloadType, e.cfg.DeviceType, header); err != nil {
		return failure(ResultFailedNothingDone, err)
	}
	if err := saveStateData(ctx, e.cfg.Store, sd); err != nil {
		return failure(ResultFailedNothingDone, err)
	}

	downloadState := updatemodule.StateDownload
	if e.cfg.Driver.ProvidePayloadFileSizes(ctx, header.PayloadType) {
		downloadState = updatemodule.StateDownloadWithFileSizes
	}
	if err := e.cfg.Driver.InvokeState(ctx, header.PayloadType, downloadState); err != nil {
		return e.failDownload(ctx, sd, err)
	}

	sd.Phase = PhaseArtifactInstall
	if err := saveStateData(ctx, e.cfg.Store, sd); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	if err := e.cfg.Driver.InvokeState(ctx, header.PayloadType, updatemodule.StateArtifactInstall); err != nil {
		return e.handleFailure(ctx, sd, err)
	}

	needsReboot, err := e.cfg.Driver.NeedsArtifactReboot(ctx, header.PayloadType)
	if err != nil {
		return e.handleFailure(ctx, sd, err)
	}
	supportsRollback, err := e.cfg.Driver.SupportsRollback(ctx, header.PayloadType)
	if err != nil {
		return e.handleFailure(ctx, sd, err)
	}

	switch {
	case !supportsRollback:
		// No rollback capability means nothing is gained by waiting on
		// user commit; the engine commits immediately.
		return e.autoCommit(ctx, sd, needsReboot)
	case needsReboot == updatemodule.RebootYes || needsReboot == updatemodule.RebootAutomatic:
		sd.Phase = PhaseRebootRequired
		if err := saveStateData(ctx, e.cfg.Store, sd); err != nil {
			return failure(ResultFailedAndRollbackFailed, err)
		}
		return success(ResultInstalledRebootRequired)
	default:
		sd.Phase = PhaseInstalled
		if err := saveStateData(ctx, e.cfg.Store, sd); err != nil {
			return failure(ResultFailedAndRollbackFailed, err)
		}
		return success(ResultInstalled)
	}
}

// Commit finalizes an install left in Installed or InstalledRebootRequired
// (spec.md §4.5 "User-triggered Commit"). It requires StateData to be
// present.
func (e *Engine) Commit(ctx context.Context) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	sd, err := loadStateData(ctx, e.cfg.Store)
	if err != nil {
		return failure(ResultNoUpdateInProgress, err)
	}
	if sd == nil {
		return failure(ResultNoUpdateInProgress, mendererrors.ErrNoUpdateInProgress)
	}
	if sd.Phase != PhaseInstalled && sd.Phase != PhaseRebootRequired {
		return failure(ResultNoUpdateInProgress, mendererrors.Newf(mendererrors.KindProgrammingError, "commit called while update is in phase %q", sd.Phase))
	}

	payloadType := sd.payloadType()

	// Commit may run in a process that started after a reboot (resuming a
	// StateData left by the prior run), so the module's work directory
	// cannot be assumed to have survived; re-derive the header spec.md
	// §4.6 requires present before any state call and rebuild it.
	if err := e.cfg.Driver.PrepareWorkDir(payloadType, e.cfg.DeviceType, sd.header()); err != nil {
		return e.handleFailure(ctx, sd, err)
	}

	if err := e.cfg.Driver.InvokeState(ctx, payloadType, updatemodule.StateArtifactCommit); err != nil {
		return e.handleFailure(ctx, sd, err)
	}

	if err := persistProvides(ctx, e.cfg.Store, sd.ArtifactName, sd.ArtifactGroup, sd.Provides); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}

	cleanupErr := e.cfg.Driver.Cleanup(ctx, payloadType)
	if err := clearStateData(ctx, e.cfg.Store); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	if cleanupErr != nil {
		return failure(ResultInstalledButFailedInPostCommit, cleanupErr)
	}
	return success(ResultCommitted)
}

// Rollback reverts an install left in Installed or InstalledRebootRequired
// (spec.md §4.5 "User-triggered Rollback"). If the module does not support
// rollback, StateData is left untouched and NoRollback is reported — the
// caller must still commit or roll back externally.
func (e *Engine) Rollback(ctx context.Context) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	sd, err := loadStateData(ctx, e.cfg.Store)
	if err != nil {
		return failure(ResultNoUpdateInProgress, err)
	}
	if sd == nil {
		return failure(ResultNoUpdateInProgress, mendererrors.ErrNoUpdateInProgress)
	}

	payloadType := sd.payloadType()
	supportsRollback, err := e.cfg.Driver.SupportsRollback(ctx, payloadType)
	if err != nil {
		return failure(ResultRollbackFailed, err)
	}
	if !supportsRollback {
		return success(ResultNoRollback)
	}

	// Same re-derivation as Commit: Rollback may equally run in a fresh
	// process resuming a persisted StateData.
	if err := e.cfg.Driver.PrepareWorkDir(payloadType, e.cfg.DeviceType, sd.header()); err != nil {
		return failure(ResultRollbackFailed, err)
	}

	if err := e.cfg.Driver.InvokeState(ctx, payloadType, updatemodule.StateArtifactRollback); err != nil {
		return failure(ResultRollbackFailed, err)
	}
	if err := e.cfg.Driver.Cleanup(ctx, payloadType); err != nil {
		return failure(ResultRollbackFailed, err)
	}
	if err := clearStateData(ctx, e.cfg.Store); err != nil {
		return failure(ResultRollbackFailed, err)
	}
	return success(ResultRolledBack)
}

// commitMetadataOnly implements the Testable-Property-8 fast path: an
// artifact with an empty payload type has only provides to apply.
func (e *Engine) commitMetadataOnly(ctx context.Context, header updatemodule.Header) Outcome {
	if err := persistProvides(ctx, e.cfg.Store, header.Name, header.Group, header.Provides); err != nil {
		return failure(ResultFailedNothingDone, err)
	}
	return success(ResultInstalledAndCommitted)
}

// autoCommit is reached from Install when the module reports it does not
// support rollback: there is nothing to gain by stopping at Installed, so
// the engine runs ArtifactCommit immediately.
func (e *Engine) autoCommit(ctx context.Context, sd *StateData, needsReboot updatemodule.RebootRequirement) Outcome {
	payloadType := sd.payloadType()
	if err := e.cfg.Driver.InvokeState(ctx, payloadType, updatemodule.StateArtifactCommit); err != nil {
		return e.handleFailure(ctx, sd, err)
	}

	if err := persistProvides(ctx, e.cfg.Store, sd.ArtifactName, sd.ArtifactGroup, sd.Provides); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	cleanupErr := e.cfg.Driver.Cleanup(ctx, payloadType)
	if err := clearStateData(ctx, e.cfg.Store); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	if cleanupErr != nil {
		return failure(ResultInstalledButFailedInPostCommit, cleanupErr)
	}
	if needsReboot == updatemodule.RebootYes || needsReboot == updatemodule.RebootAutomatic {
		return success(ResultInstalledAndCommittedRebootRequired)
	}
	return success(ResultInstalledAndCommitted)
}

// failDownload handles a failure during Download/DownloadWithFileSizes: no
// device state changed yet, so no rollback is needed (spec.md §4.5).
func (e *Engine) failDownload(ctx context.Context, sd *StateData, cause error) Outcome {
	payloadType := sd.payloadType()
	_ = e.cfg.Driver.Cleanup(ctx, payloadType)
	_ = clearStateData(ctx, e.cfg.Store)
	return failure(ResultFailedNothingDone, cause)
}

// handleFailure implements Failure-handling (spec.md §4.5): if the module
// supports rollback, run ArtifactRollback + ArtifactFailure + Cleanup and
// remove StateData; otherwise commit the artifact under its broken name.
func (e *Engine) handleFailure(ctx context.Context, sd *StateData, cause error) Outcome {
	sd.Phase = PhaseFailureHandling
	if err := saveStateData(ctx, e.cfg.Store, sd); err != nil {
		// Failures on state persistence are always fatal to the current
		// attempt (spec.md §7).
		return failure(ResultFailedAndRollbackFailed, err)
	}

	payloadType := sd.payloadType()
	supportsRollback, err := e.cfg.Driver.SupportsRollback(ctx, payloadType)
	if err != nil || !supportsRollback {
		return e.commitBroken(ctx, sd, cause)
	}

	if err := e.cfg.Driver.InvokeState(ctx, payloadType, updatemodule.StateArtifactRollback); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	if err := e.cfg.Driver.InvokeState(ctx, payloadType, updatemodule.StateArtifactFailure); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	if err := e.cfg.Driver.Cleanup(ctx, payloadType); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	if err := clearStateData(ctx, e.cfg.Store); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	return failure(ResultFailedAndRolledBack, cause)
}

// commitBroken implements spec.md §4.6's broken-artifact naming rule: the
// artifact name is suffixed and that same name is written into
// artifact_provides["artifact_name"] before persisting (Testable
// Property 7).
func (e *Engine) commitBroken(ctx context.Context, sd *StateData, cause error) Outcome {
	payloadType := sd.payloadType()
	brokenName := updatemodule.BrokenArtifactName(sd.ArtifactName)
	sd.ArtifactName = brokenName
	if sd.Provides == nil {
		sd.Provides = map[string]string{}
	}
	sd.Provides["artifact_name"] = brokenName

	if err := e.cfg.Driver.InvokeState(ctx, payloadType, updatemodule.StateArtifactFailure); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	if err := e.cfg.Driver.Cleanup(ctx, payloadType); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	if err := persistProvides(ctx, e.cfg.Store, sd.ArtifactName, sd.ArtifactGroup, sd.Provides); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	if err := clearStateData(ctx, e.cfg.Store); err != nil {
		return failure(ResultFailedAndRollbackFailed, err)
	}
	return failure(ResultFailedAndNoRollback, cause)
}
