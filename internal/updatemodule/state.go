package updatemodule

// State is one step of the update-module command-line protocol
// (spec.md §4.6).
type State string

const (
	StateDownload                     State = "Download"
	StateProvidePayloadFileSizes      State = "ProvidePayloadFileSizes"
	StateDownloadWithFileSizes        State = "DownloadWithFileSizes"
	StateArtifactInstall              State = "ArtifactInstall"
	StateNeedsArtifactReboot          State = "NeedsArtifactReboot"
	StateSupportsRollback             State = "SupportsRollback"
	StateArtifactReboot               State = "ArtifactReboot"
	StateArtifactVerifyReboot         State = "ArtifactVerifyReboot"
	StateArtifactCommit               State = "ArtifactCommit"
	StateArtifactRollback             State = "ArtifactRollback"
	StateArtifactRollbackReboot       State = "ArtifactRollbackReboot"
	StateArtifactVerifyRollbackReboot State = "ArtifactVerifyRollbackReboot"
	StateArtifactFailure              State = "ArtifactFailure"
	StateCleanup                      State = "Cleanup"
)

// queryStates capture exactly the first line of stdout (spec.md §4.6);
// every other state only logs stdout and ignores its content.
var queryStates = map[State]bool{
	StateProvidePayloadFileSizes: true,
	StateNeedsArtifactReboot:     true,
	StateSupportsRollback:        true,
}

// RebootRequirement is NeedsArtifactReboot's answer.
type RebootRequirement string

const (
	RebootYes       RebootRequirement = "Yes"
	RebootNo        RebootRequirement = "No"
	RebootAutomatic RebootRequirement = "Automatic"
)

// YesNo is SupportsRollback/ProvidePayloadFileSizes's answer shape.
type YesNo string

const (
	Yes YesNo = "Yes"
	No  YesNo = "No"
)
