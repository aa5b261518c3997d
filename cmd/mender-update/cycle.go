package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-sub010/internal/deployment"
	"github.com/mendersoftware/mender-sub010/internal/kvstore"
	"github.com/mendersoftware/mender-sub010/internal/update"
)

func readActiveDeploymentID(ctx context.Context, store kvstore.Store) string {
	raw, err := store.GetValue(ctx, kvstore.ActiveDeploymentIDKey)
	if err != nil {
		return ""
	}
	return string(raw)
}

func writeActiveDeploymentID(ctx context.Context, store kvstore.Store, id string) error {
	return store.Write(ctx, func(tx kvstore.Tx) error {
		return tx.Set(kvstore.ActiveDeploymentIDKey, []byte(id))
	})
}

func clearActiveDeploymentID(ctx context.Context, store kvstore.Store) {
	_ = store.Write(ctx, func(tx kvstore.Tx) error {
		err := tx.Delete(kvstore.ActiveDeploymentIDKey)
		if err == kvstore.ErrNotFound {
			return nil
		}
		return err
	})
}

// currentProvides builds the minimal device_provides map check_new_deployments
// needs: the currently-installed artifact_name. The kvstore.Store interface
// exposes no key-enumeration primitive (spec.md §1 treats the embedded KV
// engine as a plain get/set/delete store), so the full provides set
// persisted by persistProvides is not re-derivable here; the server only
// strictly requires artifact_name to decide whether a deployment is new.
func currentProvides(ctx context.Context, store kvstore.Store) map[string]string {
	provides := map[string]string{}
	if raw, err := store.GetValue(ctx, kvstore.ArtifactNameKey); err == nil {
		provides["artifact_name"] = string(raw)
	}
	return provides
}

// runCycle performs one poll-or-resume iteration of spec.md §2's control
// flow: resume an update left pending across a reboot, or else poll for a
// new deployment and drive it through the Update State Engine, reporting
// status at each transition (spec.md §4.7).
func runCycle(ctx context.Context, store kvstore.Store, engine *update.Engine, client *deployment.Client, deviceType string, log *logrus.Entry) {
	pending, err := engine.HasPendingUpdate(ctx)
	if err != nil {
		log.WithError(err).Error("checking for a pending update")
		return
	}
	if pending {
		resumePendingUpdate(ctx, store, engine, client, log)
		return
	}

	dep, err := client.CheckNewDeployments(ctx, deviceType, currentProvides(ctx, store))
	if err != nil {
		log.WithError(err).Error("polling for a new deployment")
		return
	}
	if dep == nil {
		log.Debug("no new deployment")
		return
	}

	log.WithField("deployment_id", dep.ID).Info("new deployment received")
	if err := writeActiveDeploymentID(ctx, store, dep.ID); err != nil {
		log.WithError(err).Error("persisting active deployment id")
		return
	}
	reportStatus(ctx, client, dep.ID, deployment.StatusDownloading, log)

	outcome := engine.Install(ctx, dep.Artifact.Source.URI)
	handleInstallOutcome(ctx, store, engine, client, dep.ID, outcome, log)
}

// resumePendingUpdate is reached on daemon startup when StateData already
// exists, and calls Commit. Commit only acts on StateData in the installed
// or reboot-required phase; StateData left in any other phase (a crash
// mid-attempt) makes it return NoUpdateInProgress, for which
// finishDeployment reports nothing and clears the active deployment id,
// while the StateData itself stays in place.
func resumePendingUpdate(ctx context.Context, store kvstore.Store, engine *update.Engine, client *deployment.Client, log *logrus.Entry) {
	deploymentID := readActiveDeploymentID(ctx, store)
	log.WithField("deployment_id", deploymentID).Info("resuming a pending update")

	outcome := engine.Commit(ctx)
	finishDeployment(ctx, store, client, deploymentID, outcome, log)
}

func handleInstallOutcome(ctx context.Context, store kvstore.Store, engine *update.Engine, client *deployment.Client, deploymentID string, outcome update.Outcome, log *logrus.Entry) {
	switch outcome.Result {
	case update.ResultInstalled:
		// No reboot needed and the module supports rollback: commit now,
		// in the same cycle, rather than waiting on an external trigger.
		commitOutcome := engine.Commit(ctx)
		finishDeployment(ctx, store, client, deploymentID, commitOutcome, log)

	case update.ResultInstalledRebootRequired:
		reportStatus(ctx, client, deploymentID, deployment.StatusRebooting, log)
		log.WithField("deployment_id", deploymentID).Warn("artifact installed; waiting for an external reboot before committing")
		// active-deployment-id and StateData both stay persisted; the next
		// daemon start (post-reboot) resumes via resumePendingUpdate.

	case update.ResultInstalledAndCommitted:
		finishDeployment(ctx, store, client, deploymentID, outcome, log)

	case update.ResultInstalledAndCommittedRebootRequired:
		reportStatus(ctx, client, deploymentID, deployment.StatusRebooting, log)
		log.WithField("deployment_id", deploymentID).Warn("artifact installed and auto-committed; waiting for an external reboot")
		clearActiveDeploymentID(ctx, store)

	default:
		finishDeployment(ctx, store, client, deploymentID, outcome, log)
	}
}

// finishDeployment reports the terminal status for outcome and, once
// reported, forgets the active deployment id.
func finishDeployment(ctx context.Context, store kvstore.Store, client *deployment.Client, deploymentID string, outcome update.Outcome, log *logrus.Entry) {
	switch outcome.Result {
	case update.ResultCommitted, update.ResultInstalledAndCommitted:
		reportStatus(ctx, client, deploymentID, deployment.StatusSuccess, log)
	case update.ResultInstalledButFailedInPostCommit:
		log.WithError(outcome.Err).Error("committed but cleanup failed")
		reportStatus(ctx, client, deploymentID, deployment.StatusSuccess, log)
	case update.ResultNoUpdateInProgress, update.ResultFailedNothingDone:
		// Nothing was ever installed; no deployment to report against.
	default:
		log.WithError(outcome.Err).WithField("result", outcome.Result).Error("deployment failed")
		reportStatus(ctx, client, deploymentID, deployment.StatusFailure, log)
	}
	clearActiveDeploymentID(ctx, store)
}

func reportStatus(ctx context.Context, client *deployment.Client, deploymentID string, status deployment.Status, log *logrus.Entry) {
	if deploymentID == "" {
		return
	}
	if err := client.PushStatus(ctx, deploymentID, status, ""); err != nil {
		log.WithError(err).WithField("status", status).Error("pushing deployment status")
	}
}
