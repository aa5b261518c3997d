// Package cliutil holds the flag/logging/passphrase plumbing shared by
// cmd/mender-authd and cmd/mender-update (spec.md §6). Factoring it out
// keeps both cobra root commands down to wiring their own collaborators.
package cliutil

import (
	"bufio"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
	"github.com/mendersoftware/mender-sub010/internal/logging"
)

// Globals mirrors the flag set spec.md §6 specifies for both daemons.
type Globals struct {
	ConfigFile         string
	FallbackConfigFile string
	DataDir            string
	LogFile            string
	LogLevel           string
	ForceBootstrap     bool
	PassphraseFile     string
}

// RegisterGlobalFlags attaches spec.md §6's shared persistent flags to cmd.
func RegisterGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "/etc/mender/mender.conf", "configuration file")
	flags.String("fallback-config", "/var/lib/mender/mender.conf", "fallback configuration file")
	flags.String("data", "/var/lib/mender", "data store directory")
	flags.String("log-file", "", "log file (default: stderr)")
	flags.String("log-level", "info", "log level ("+strings.Join(logging.Levels, ", ")+")")
	flags.BoolP("forcebootstrap", "F", false, "force re-bootstrapping the device")
	flags.String("passphrase-file", "", "file holding the private key passphrase (\"-\" reads stdin)")
}

// ReadGlobals extracts the flag set RegisterGlobalFlags registered.
func ReadGlobals(cmd *cobra.Command) (Globals, error) {
	var g Globals
	var err error
	if g.ConfigFile, err = cmd.Flags().GetString("config"); err != nil {
		return g, err
	}
	if g.FallbackConfigFile, err = cmd.Flags().GetString("fallback-config"); err != nil {
		return g, err
	}
	if g.DataDir, err = cmd.Flags().GetString("data"); err != nil {
		return g, err
	}
	if g.LogFile, err = cmd.Flags().GetString("log-file"); err != nil {
		return g, err
	}
	if g.LogLevel, err = cmd.Flags().GetString("log-level"); err != nil {
		return g, err
	}
	if g.ForceBootstrap, err = cmd.Flags().GetBool("forcebootstrap"); err != nil {
		return g, err
	}
	if g.PassphraseFile, err = cmd.Flags().GetString("passphrase-file"); err != nil {
		return g, err
	}
	return g, nil
}

// SetupLogging builds the logrus.Entry every component in this module takes
// as its Log field. The actual level-parsing/file-redirection work is
// internal/logging.Setup; this just adapts its *logrus.Logger into the
// *logrus.Entry every component constructor expects.
func SetupLogging(logFile, logLevel string) (*logrus.Entry, error) {
	logger, err := logging.Setup(logLevel, logFile)
	if err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindSetup, err, "configuring logging")
	}
	return logrus.NewEntry(logger), nil
}

// ReadPassphrase returns the passphrase at path, or "" if path is empty.
// path == "-" reads a single line from stdin, matching spec.md §6's
// stdin-passphrase convention.
func ReadPassphrase(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", mendererrors.Wrap(mendererrors.KindSetup, err, "reading passphrase from stdin")
			}
			return "", mendererrors.New(mendererrors.KindSetup, "no passphrase read from stdin")
		}
		return strings.TrimRight(scanner.Text(), "\r\n"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", mendererrors.Wrap(mendererrors.KindSetup, err, "reading passphrase file "+path)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
