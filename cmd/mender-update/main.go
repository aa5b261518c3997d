// Command mender-update is the updater daemon of spec.md §2: it owns the
// KV store, the Update State Engine, the Update Module Driver and the
// Deployment Client, polling the server for new deployments and driving
// each one through install/commit/rollback.
//
// Cobra wiring mirrors cmd/mender-authd's commandRoot() factory, grounded
// on dexidp-dex's cmd/first-auth.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mendersoftware/mender-sub010/internal/apiclient"
	"github.com/mendersoftware/mender-sub010/internal/auth"
	"github.com/mendersoftware/mender-sub010/internal/cliutil"
	"github.com/mendersoftware/mender-sub010/internal/config"
	"github.com/mendersoftware/mender-sub010/internal/deployment"
	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
	"github.com/mendersoftware/mender-sub010/internal/identity"
	"github.com/mendersoftware/mender-sub010/internal/keystore"
	"github.com/mendersoftware/mender-sub010/internal/kvstore"
	"github.com/mendersoftware/mender-sub010/internal/update"
	"github.com/mendersoftware/mender-sub010/internal/updatemodule"
)

// pollInterval is how often the daemon checks for a new deployment when
// idle. spec.md §5 leaves the cadence to "the caller's own schedule".
const pollInterval = 30 * time.Minute

// moduleInvokeTimeout bounds a single update-module state call.
const moduleInvokeTimeout = 10 * time.Minute

func keyFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mender-agent.pem")
}

func storeFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mender-store.db")
}

func modulesDir(dataDir string) string {
	return filepath.Join(dataDir, "modules", "v3")
}

func modulesWorkDir(dataDir string) string {
	return filepath.Join(dataDir, "modules", "v3", "payloads")
}

func logsDir(dataDir string) string {
	return filepath.Join(dataDir, "log")
}

// redisKeyPrefix namespaces every key this daemon writes when the Redis
// backend is selected, so other users of the same Redis instance cannot
// collide with it.
const redisKeyPrefix = "mender-update:"

// openStore selects the kvstore.Store backend named by
// Config.StateStoreRedisURL, falling through to the default single-file
// backend when it is unset (spec.md's DOMAIN STACK "small Backend interface
// selected by a config string").
func openStore(cfg *config.Config, dataDir string) (kvstore.Store, error) {
	if cfg.StateStoreRedisURL != "" {
		return kvstore.NewRedisStoreFromURL(cfg.StateStoreRedisURL, redisKeyPrefix)
	}
	return kvstore.NewFileStore(storeFilePath(dataDir))
}

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mender-update",
		Short: "update state engine daemon",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	cliutil.RegisterGlobalFlags(rootCmd)
	rootCmd.PersistentFlags().String("artifact-parser", "mender-artifact-info",
		"external binary that reads an artifact from stdin and writes its header as JSON to stdout")
	rootCmd.AddCommand(bootstrapCommand())
	rootCmd.AddCommand(daemonCommand())
	return rootCmd
}

func bootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "create the data store directories this daemon needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := cliutil.ReadGlobals(cmd)
			if err != nil {
				return err
			}
			for _, dir := range []string{g.DataDir, modulesDir(g.DataDir), modulesWorkDir(g.DataDir), logsDir(g.DataDir)} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return mendererrors.Wrap(mendererrors.KindSetup, err, "creating directory "+dir)
				}
			}
			return nil
		},
	}
}

func daemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "run the update state engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := cliutil.ReadGlobals(cmd)
			if err != nil {
				return err
			}
			artifactParser, err := cmd.Flags().GetString("artifact-parser")
			if err != nil {
				return err
			}
			log, err := cliutil.SetupLogging(g.LogFile, g.LogLevel)
			if err != nil {
				return err
			}
			passphrase, err := cliutil.ReadPassphrase(g.PassphraseFile)
			if err != nil {
				return err
			}
			return runDaemon(g, passphrase, artifactParser, log)
		},
	}
}

// runDaemon wires every collaborator spec.md §4.5/§4.7 names and drives the
// poll loop. The deployment client authenticates on its own (its own
// auth.Authenticator, sharing the same keystore/identity config as
// mender-authd) rather than through mender-authd's local proxy: the proxy
// exists for on-device clients that hold no credentials of their own
// (spec.md §4.4), which is not this daemon's situation, and
// apiclient.Client's Authorization header is derived exclusively from an
// auth.Authenticator's AuthData (spec.md §3) — there is no seam for
// presenting a borrowed token instead.
func runDaemon(g cliutil.Globals, passphrase, artifactParserBin string, log *logrus.Entry) error {
	cfg, err := config.Load(g.ConfigFile, g.FallbackConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	deviceType, err := config.ReadDeviceType(cfg.DeviceTypeFile)
	if err != nil {
		return err
	}

	ks := keystore.New(false)
	if err := ks.Load(keyFilePath(g.DataDir), passphrase); err != nil {
		return mendererrors.Wrap(mendererrors.KindSetup, err, "loading private key; run 'bootstrap' first")
	}

	authenticator := auth.New(auth.Config{
		ServerURL:   cfg.ServerURL,
		Keystore:    ks,
		Identity:    identity.New(cfg.IdentityScript),
		TenantToken: cfg.TenantToken,
	})
	defer authenticator.Close()

	api := apiclient.New(nil, authenticator)
	depClient := deployment.New(api, log)

	store, err := openStore(cfg, g.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	driver := updatemodule.New(modulesDir(g.DataDir), modulesWorkDir(g.DataDir), moduleInvokeTimeout, log)

	engine := update.New(update.Config{
		Store:       store,
		Driver:      driver,
		Source:      update.NewArtifactSource(nil),
		ParseHeader: newExternalHeaderParser(artifactParserBin),
		DeviceType:  deviceType,
		Log:         log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCycle(ctx, store, engine, depClient, deviceType, log)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCycle(ctx, store, engine, depClient, deviceType, log)
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		}
	}
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
