// Package deployment implements the Deployment Client (spec.md §4.7): poll
// the server for new deployments, stream status updates, ship logs. HTTP
// transport and retry-on-401 are delegated entirely to internal/apiclient;
// this package only builds request bodies, interprets status codes, and
// manages on-disk log retention.
package deployment

// Deployment is the server's answer to check_new_deployments.
type Deployment struct {
	ID       string             `json:"id"`
	Artifact DeploymentArtifact `json:"artifact"`
}

// DeploymentArtifact is the artifact metadata embedded in a Deployment.
type DeploymentArtifact struct {
	ArtifactName          string           `json:"artifact_name"`
	Source                DeploymentSource `json:"source"`
	DeviceTypesCompatible []string         `json:"device_types_compatible"`
}

// DeploymentSource points at the artifact's download location.
type DeploymentSource struct {
	URI    string `json:"uri"`
	Expire string `json:"expire,omitempty"`
}

// Status is one of the fixed deployment status strings of spec.md §4.7.
type Status string

const (
	StatusInstalling            Status = "installing"
	StatusDownloading           Status = "downloading"
	StatusRebooting             Status = "rebooting"
	StatusSuccess               Status = "success"
	StatusFailure               Status = "failure"
	StatusPauseBeforeInstalling Status = "pause_before_installing"
	StatusPauseBeforeRebooting  Status = "pause_before_rebooting"
	StatusPauseBeforeCommitting Status = "pause_before_committing"
	StatusAlreadyInstalled      Status = "already-installed"
)

const (
	deploymentsNextV2Path = "/api/devices/v2/deployments/device/deployments/next"
	deploymentsNextV1Path = "/api/devices/v1/deployments/device/deployments/next"
	statusPathFormat      = "/api/devices/v1/deployments/device/deployments/%s/status"
	logPathFormat         = "/api/devices/v1/deployments/device/deployments/%s/log"
)
