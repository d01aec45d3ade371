package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	authcmder "github.com/papercomputeco/authkeeper/cmd/authkeeper/auth"
	modelscmder "github.com/papercomputeco/authkeeper/cmd/authkeeper/models"
	tokencmder "github.com/papercomputeco/authkeeper/cmd/authkeeper/token"
	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/providers"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	// ExitCodeAuthRequired means the provider must be connected (again).
	ExitCodeAuthRequired = 2
	ExitCodeAccessDenied = 3
	ExitCodeQuota        = 4
	// ExitCodeRetryable means the same command may succeed if run again.
	ExitCodeRetryable = 5
)

const rootLongDesc string = `authkeeper acquires, stores and refreshes credentials for AI providers.

Profiles live in credentials.json in the .authkeeper/ directory (./.authkeeper
if present, otherwise ~/.authkeeper). Optional settings are read from
config.toml in the same directory.`

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "authkeeper",
		Short:        "Credential lifecycle manager for AI providers",
		Long:         rootLongDesc,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override path to .authkeeper/ config directory")

	cmd.AddCommand(authcmder.NewAuthCmd())
	cmd.AddCommand(tokencmder.NewTokenCmd())
	cmd.AddCommand(modelscmder.NewModelsCmd())

	return cmd
}

// hint suggests what to do after a credential error.
func hint(err error) string {
	var ae *autherr.Error
	if !errors.As(err, &ae) {
		return ""
	}

	switch {
	case autherr.NeedsReconnect(err) && providers.IsSupportedProvider(ae.Provider):
		return fmt.Sprintf("Run 'authkeeper auth %s' to reconnect.", ae.Provider)
	case autherr.NeedsReconnect(err):
		return "Run 'authkeeper auth <provider>' to connect."
	case autherr.IsRetryable(err):
		return "This looks temporary; try again shortly."
	default:
		return ""
	}
}

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	switch autherr.KindOf(err) {
	case autherr.KindAuthRequired, autherr.KindAuthExpired:
		return ExitCodeAuthRequired
	case autherr.KindAccessDenied:
		return ExitCodeAccessDenied
	case autherr.KindQuotaExceeded:
		return ExitCodeQuota
	case autherr.KindNetworkRetryable:
		return ExitCodeRetryable
	default:
		return ExitCodeError
	}
}
