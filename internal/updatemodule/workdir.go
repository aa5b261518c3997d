package updatemodule

import (
	"fmt"
	"os"
	"path/filepath"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

// workDirVersion is written to the "version" file of every work directory;
// update modules may use it to detect an incompatible driver.
const workDirVersion = 1

// PrepareWorkDir builds the standard file tree a module expects to find
// under its work directory before the first state call (spec.md §4.6):
// a version file, current_artifact_name/group/device_type, and a header
// sub-tree mirroring the artifact header's provides/clears-provides.
func (d *Driver) PrepareWorkDir(payloadType, deviceType string, header Header) error {
	workDir := d.WorkDir(payloadType)
	headerDir := filepath.Join(workDir, "header")
	for _, dir := range []string{workDir, headerDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return mendererrors.Wrap(mendererrors.KindGeneric, err, "creating update module work directory "+dir)
		}
	}

	files := []struct{ path, content string }{
		{filepath.Join(workDir, "version"), fmt.Sprintf("%d", workDirVersion)},
		{filepath.Join(workDir, "current_artifact_name"), header.Name},
		{filepath.Join(workDir, "current_artifact_group"), header.Group},
		{filepath.Join(workDir, "current_device_type"), deviceType},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, []byte(f.content+"\n"), 0o600); err != nil {
			return mendererrors.Wrap(mendererrors.KindGeneric, err, "writing "+f.path)
		}
	}

	providesDir := filepath.Join(headerDir, "provides")
	if err := os.MkdirAll(providesDir, 0o700); err != nil {
		return mendererrors.Wrap(mendererrors.KindGeneric, err, "creating provides directory")
	}
	for k, v := range header.Provides {
		if err := os.WriteFile(filepath.Join(providesDir, k), []byte(v+"\n"), 0o600); err != nil {
			return mendererrors.Wrap(mendererrors.KindGeneric, err, "writing provides entry "+k)
		}
	}

	if len(header.ClearsProvides) > 0 {
		var content string
		for _, c := range header.ClearsProvides {
			content += c + "\n"
		}
		if err := os.WriteFile(filepath.Join(headerDir, "clears_provides"), []byte(content), 0o600); err != nil {
			return mendererrors.Wrap(mendererrors.KindGeneric, err, "writing clears_provides")
		}
	}

	return nil
}
