package update

import (
	"context"
	"encoding/json"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
	"github.com/mendersoftware/mender-sub010/internal/kvstore"
	"github.com/mendersoftware/mender-sub010/internal/updatemodule"
)

// stateDataVersion is written on every persisted StateData so a future
// driver can reject a value it no longer knows how to interpret (spec.md
// §9: "reject unknown version values with not_supported").
const stateDataVersion = 1

// Phase is a step of the install/commit/rollback/failure-handling state
// machine (spec.md §4.5). Only phases where StateData is actually
// persisted appear here; transient in-memory-only steps (e.g. the
// [decide] branch) have no Phase of their own.
type Phase string

const (
	PhaseDownloading   Phase = "downloading"
	PhaseArtifactInstall Phase = "artifact_install"
	PhaseInstalled     Phase = "installed"
	PhaseRebootRequired Phase = "reboot_required"
	PhaseFailureHandling Phase = "failure_handling"
)

// StateData is the durable record of an in-progress (or interrupted)
// update, persisted as a single JSON document under
// kvstore.StandaloneStateKey. Its fields are emitted in a fixed, sorted
// order (encoding/json follows field declaration order, and the fields are
// declared sorted by JSON key) so that diffing persisted states across
// versions is deterministic (spec.md §9).
type StateData struct {
	ArtifactGroup string          `json:"artifact_group"`
	ArtifactName string           `json:"artifact_name"`
	ClearsProvides []string       `json:"clears_provides,omitempty"`
	PayloadTypes []string         `json:"payload_types"`
	Phase       Phase             `json:"phase"`
	Provides    map[string]string `json:"provides"`
	Version     int               `json:"version"`
}

// loadStateData returns (nil, nil) when no update is in progress.
func loadStateData(ctx context.Context, store kvstore.Store) (*StateData, error) {
	raw, err := store.GetValue(ctx, kvstore.StandaloneStateKey)
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "reading StateData")
	}

	var sd StateData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "parsing StateData")
	}
	if sd.Version != stateDataVersion {
		return nil, mendererrors.Newf(mendererrors.KindDatabaseValue, "StateData version %d is not supported (want %d)", sd.Version, stateDataVersion)
	}
	return &sd, nil
}

// saveStateData persists sd as a single write-transaction mutation,
// matching spec.md §5's "each install/commit/rollback operation is
// wrapped in a write transaction".
func saveStateData(ctx context.Context, store kvstore.Store, sd *StateData) error {
	sd.Version = stateDataVersion
	raw, err := json.Marshal(sd)
	if err != nil {
		return mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "encoding StateData")
	}
	return store.Write(ctx, func(tx kvstore.Tx) error {
		return tx.Set(kvstore.StandaloneStateKey, raw)
	})
}

// clearStateData removes StateData, e.g. after a clean commit or after
// the engine has fully recovered from a failure.
func clearStateData(ctx context.Context, store kvstore.Store) error {
	return store.Write(ctx, func(tx kvstore.Tx) error {
		err := tx.Delete(kvstore.StandaloneStateKey)
		if err == kvstore.ErrNotFound {
			return nil
		}
		return err
	})
}

// persistProvides writes the artifact-name/group/provides entries into the
// KV store as one write transaction, per spec.md §6's persisted-state
// layout. Called on a successful commit (normal or broken-artifact).
func persistProvides(ctx context.Context, store kvstore.Store, artifactName, artifactGroup string, provides map[string]string) error {
	return store.Write(ctx, func(tx kvstore.Tx) error {
		if err := tx.Set(kvstore.ArtifactNameKey, []byte(artifactName)); err != nil {
			return err
		}
		if err := tx.Set(kvstore.ArtifactGroupKey, []byte(artifactGroup)); err != nil {
			return err
		}
		for k, v := range provides {
			if err := tx.Set(kvstore.ProvidesKeyPrefix+k, []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// header reconstructs the updatemodule.Header view StateData was derived
// from, for use by Commit/Rollback which only have the persisted record
// (not the original streaming artifact) to work from.
func (sd *StateData) header() updatemodule.Header {
	return updatemodule.Header{
		Name:           sd.ArtifactName,
		Group:          sd.ArtifactGroup,
		Provides:       sd.Provides,
		ClearsProvides: sd.ClearsProvides,
	}
}

// payloadType returns the single payload type this engine supports
// dispatching to (spec.md §4.5: "dispatch based on persisted
// payload_types[0]").
func (sd *StateData) payloadType() string {
	if len(sd.PayloadTypes) == 0 {
		return ""
	}
	return sd.PayloadTypes[0]
}
