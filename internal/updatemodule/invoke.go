package updatemodule

import (
	"context"
	"os"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

// InvokeState runs a plain (non-query) state: Download, ArtifactInstall,
// ArtifactReboot, ArtifactVerifyReboot, ArtifactCommit, ArtifactRollback,
// ArtifactRollbackReboot, ArtifactVerifyRollbackReboot, ArtifactFailure,
// or DownloadWithFileSizes.
func (d *Driver) InvokeState(ctx context.Context, payloadType string, state State) error {
	_, err := d.invoke(ctx, payloadType, state)
	return err
}

// ProvidePayloadFileSizes probes whether the module opts into the newer
// protocol (spec.md §4.6, §9 Open Question 4). A module that is absent,
// errors, or answers anything but "Yes" falls back to the legacy
// byte-stream Download state.
func (d *Driver) ProvidePayloadFileSizes(ctx context.Context, payloadType string) bool {
	res, err := d.invoke(ctx, payloadType, StateProvidePayloadFileSizes)
	if err != nil {
		return false
	}
	return res.firstLine == string(Yes)
}

// NeedsArtifactReboot reports the module's reboot requirement.
func (d *Driver) NeedsArtifactReboot(ctx context.Context, payloadType string) (RebootRequirement, error) {
	res, err := d.invoke(ctx, payloadType, StateNeedsArtifactReboot)
	if err != nil {
		return "", err
	}
	switch RebootRequirement(res.firstLine) {
	case RebootYes, RebootNo, RebootAutomatic:
		return RebootRequirement(res.firstLine), nil
	default:
		return "", mendererrors.Newf(mendererrors.KindGeneric, "update module returned invalid NeedsArtifactReboot answer %q", res.firstLine)
	}
}

// SupportsRollback reports whether the module can roll an install back.
func (d *Driver) SupportsRollback(ctx context.Context, payloadType string) (bool, error) {
	res, err := d.invoke(ctx, payloadType, StateSupportsRollback)
	if err != nil {
		return false, err
	}
	switch YesNo(res.firstLine) {
	case Yes:
		return true, nil
	case No:
		return false, nil
	default:
		return false, mendererrors.Newf(mendererrors.KindGeneric, "update module returned invalid SupportsRollback answer %q", res.firstLine)
	}
}

// Cleanup is special: a missing work directory is a no-op success and the
// module is not invoked; otherwise the module runs, and once it exits
// successfully the driver recursively removes the work directory (spec.md
// §4.6).
func (d *Driver) Cleanup(ctx context.Context, payloadType string) error {
	workDir := d.WorkDir(payloadType)
	if _, err := os.Stat(workDir); os.IsNotExist(err) {
		return nil
	}

	if _, err := d.invoke(ctx, payloadType, StateCleanup); err != nil {
		return err
	}

	if err := os.RemoveAll(workDir); err != nil {
		return mendererrors.Wrap(mendererrors.KindGeneric, err, "removing update module work directory "+workDir)
	}
	return nil
}

// BrokenArtifactName applies the broken-artifact naming rule of spec.md
// §4.6: a fixed, known suffix appended to the original artifact name.
func BrokenArtifactName(name string) string {
	return name + brokenArtifactSuffix
}
