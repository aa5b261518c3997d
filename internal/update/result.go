package update

// Result is the coarse outcome the Update State Engine reports for every
// install/commit/rollback call (spec.md §7).
type Result string

const (
	ResultInstalled                           Result = "installed"
	ResultInstalledRebootRequired             Result = "installed_reboot_required"
	ResultInstalledAndCommitted                 Result = "installed_and_committed"
	ResultInstalledAndCommittedRebootRequired Result = "installed_and_committed_reboot_required"
	ResultCommitted                           Result = "committed"
	ResultRolledBack                          Result = "rolled_back"
	ResultNoRollback                          Result = "no_rollback"
	ResultRollbackFailed                      Result = "rollback_failed"
	ResultFailedAndRolledBack                 Result = "failed_and_rolled_back"
	ResultFailedAndNoRollback                 Result = "failed_and_no_rollback"
	ResultFailedAndRollbackFailed             Result = "failed_and_rollback_failed"
	ResultInstalledButFailedInPostCommit      Result = "installed_but_failed_in_post_commit"
	ResultNoUpdateInProgress                  Result = "no_update_in_progress"
	ResultFailedNothingDone                   Result = "failed_nothing_done"
)

// Outcome pairs a Result with the inner error that produced it, when the
// Result is not one of the clean-success codes.
type Outcome struct {
	Result Result
	Err    error
}

func success(r Result) Outcome {
	return Outcome{Result: r}
}

func failure(r Result, err error) Outcome {
	return Outcome{Result: r, Err: err}
}
