package config

import (
	"bufio"
	"os"
	"strings"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

// ReadDeviceType reads the device_type=<value> line out of the file named by
// DeviceTypeFile (spec.md §6). Blank lines and anything before the first "="
// other than the literal key "device_type" are ignored, matching the
// single-assignment shell-sourceable format the reference rootfs-image
// module writes.
func ReadDeviceType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", mendererrors.Wrap(mendererrors.KindSetup, err, "reading device type file "+path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) != "device_type" {
			continue
		}
		return strings.Trim(strings.TrimSpace(v), `"`), nil
	}
	if err := scanner.Err(); err != nil {
		return "", mendererrors.Wrap(mendererrors.KindSetup, err, "scanning device type file "+path)
	}
	return "", mendererrors.New(mendererrors.KindSetup, "device_type not found in "+path)
}
