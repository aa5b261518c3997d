// Command mender-authd is the authenticator daemon of spec.md §2: it owns
// the device keystore, runs the Authenticator, and exposes the Local
// Reverse Proxy to on-device clients that cannot themselves hold
// credentials.
//
// Cobra wiring is grounded on dexidp-dex's cmd/first-auth commandRoot()
// factory: a root command with Run falling through to Help+exit(2), one
// AddCommand per subcommand, and PersistentFlags for the global flag set.
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

	"github.com/mendersoftware/mender-sub010/internal/auth"
	"github.com/mendersoftware/mender-sub010/internal/cliutil"
	"github.com/mendersoftware/mender-sub010/internal/config"
	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
	"github.com/mendersoftware/mender-sub010/internal/identity"
	"github.com/mendersoftware/mender-sub010/internal/keystore"
	"github.com/mendersoftware/mender-sub010/internal/proxy"
)

// tokenRefreshInterval is how often the daemon loop proactively expires its
// cached token and re-authenticates, independent of any 401-driven refresh
// a consumer of the proxy might trigger indirectly. spec.md does not name a
// cadence; this is a conservative ambient default.
const tokenRefreshInterval = 30 * time.Minute

func keyFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mender-agent.pem")
}

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mender-authd",
		Short: "device authentication daemon and local reverse proxy",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	cliutil.RegisterGlobalFlags(rootCmd)
	rootCmd.AddCommand(bootstrapCommand())
	rootCmd.AddCommand(daemonCommand())
	return rootCmd
}

func bootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "generate the device's private key if one does not already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := cliutil.ReadGlobals(cmd)
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
			return runBootstrap(g, passphrase, log)
		},
	}
}

func runBootstrap(g cliutil.Globals, passphrase string, log *logrus.Entry) error {
	if err := os.MkdirAll(g.DataDir, 0o700); err != nil {
		return mendererrors.Wrap(mendererrors.KindSetup, err, "creating data directory "+g.DataDir)
	}

	ks := keystore.New(false)
	keyPath := keyFilePath(g.DataDir)

	if !g.ForceBootstrap {
		if err := ks.Load(keyPath, passphrase); err == nil {
			log.Infof("existing private key found at %s, not regenerating", keyPath)
			return nil
		} else if !mendererrors.Is(err, mendererrors.KindNoKey) {
			return err
		}
	}

	if err := ks.Generate(keystore.DefaultBits, keystore.DefaultExponent); err != nil {
		return err
	}
	if err := ks.Save(keyPath, passphrase); err != nil {
		return err
	}
	log.Infof("generated new private key at %s", keyPath)
	return nil
}

func daemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "run the authentication daemon and local reverse proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := cliutil.ReadGlobals(cmd)
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
			return runDaemon(g, passphrase, log)
		},
	}
}

func runDaemon(g cliutil.Globals, passphrase string, log *logrus.Entry) error {
	cfg, err := config.Load(g.ConfigFile, g.FallbackConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ks := keystore.New(false)
	if err := ks.Load(keyFilePath(g.DataDir), passphrase); err != nil {
		return mendererrors.Wrap(mendererrors.KindSetup, err, "loading private key; run 'bootstrap' first")
	}

	idCollector := identity.New(cfg.IdentityScript)

	authenticator := auth.New(auth.Config{
		ServerURL:   cfg.ServerURL,
		Keystore:    ks,
		Identity:    idCollector,
		TenantToken: cfg.TenantToken,
	})
	defer authenticator.Close()

	p, err := proxy.New(nil, nil, "", "")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	refresh := func() {
		done := make(chan struct{})
		authenticator.WithToken(func(ad auth.AuthData, err error) {
			defer close(done)
			if err != nil {
				log.WithError(err).Error("authentication failed")
				return
			}
			if p.GetServerURL() != "" {
				if stopErr := p.Stop(); stopErr != nil {
					log.WithError(stopErr).Error("stopping proxy for reconfigure")
					return
				}
			}
			if err := p.Reconfigure(cfg.ServerURL, string(ad.Token)); err != nil {
				log.WithError(err).Error("reconfiguring proxy")
				return
			}
			if err := p.Start(); err != nil {
				log.WithError(err).Error("starting proxy")
				return
			}
			log.Infof("authenticated; local proxy listening at %s", p.GetServerURL())
		})
		<-done
	}

	refresh()

	ticker := time.NewTicker(tokenRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			authenticator.ExpireToken()
			refresh()
		case <-ctx.Done():
			log.Info("shutting down")
			return p.Stop()
		}
	}
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
