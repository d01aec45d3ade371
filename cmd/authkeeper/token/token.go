// Package tokencmder provides the token command, which resolves fresh
// credentials for a provider and prints them for use by other tools.
package tokencmder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/authkeeper/cmd/authkeeper/session"
	"github.com/papercomputeco/authkeeper/pkg/authresolver"
	"github.com/papercomputeco/authkeeper/pkg/providers"
)

const tokenLongDesc string = `Resolve fresh credentials for a provider and print them.

Expired OAuth access tokens are refreshed and GitHub Copilot runtime tokens are
exchanged as needed. By default only the bearer token is printed so the output
can be used directly in scripts. --json prints the full bundle, including the
project id of OAuth providers.

Examples:
  authkeeper token github-copilot
  authkeeper token google-gemini-cli --json
  authkeeper token google-antigravity --profile google-antigravity:main
  curl -H "$(authkeeper token github-copilot --header)" ...`

const tokenShortDesc string = "Print fresh credentials for a provider"

var openSession = session.Open

// bundleJSON is the --json output.
type bundleJSON struct {
	Provider      string     `json:"provider"`
	Token         string     `json:"token"`
	Authorization string     `json:"authorization"`
	ProjectID     string     `json:"projectId,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

func toJSON(bundle authresolver.Bundle) bundleJSON {
	out := bundleJSON{
		Provider:      bundle.ProviderName(),
		Authorization: bundle.AuthorizationHeader(),
	}
	switch b := bundle.(type) {
	case *authresolver.BearerBundle:
		out.Token = b.BearerToken
	case *authresolver.ProjectBundle:
		out.Token = b.Token
		out.ProjectID = b.ProjectID
		if !b.ExpiresAt.IsZero() {
			expires := b.ExpiresAt.UTC()
			out.ExpiresAt = &expires
		}
	}
	return out
}

func NewTokenCmd() *cobra.Command {
	var profileFlag string
	var jsonFlag bool
	var headerFlag bool

	cmd := &cobra.Command{
		Use:   "token <provider>",
		Short: tokenShortDesc,
		Long:  tokenLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonFlag && headerFlag {
				return errors.New("flags --json and --header are mutually exclusive")
			}

			provider := strings.ToLower(strings.TrimSpace(args[0]))
			bundle, err := resolve(cmd, provider, profileFlag)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case jsonFlag:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(toJSON(bundle))
			case headerFlag:
				fmt.Fprintf(out, "Authorization: %s\n", bundle.AuthorizationHeader())
			default:
				fmt.Fprintln(out, toJSON(bundle).Token)
			}
			return nil
		},
		ValidArgsFunction: func(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return providers.SupportedProviders(), cobra.ShellCompDirectiveNoFileComp
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
	}

	cmd.Flags().StringVar(&profileFlag, "profile", "", "Profile id (default <provider>:main)")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the credential bundle as JSON")
	cmd.Flags().BoolVar(&headerFlag, "header", false, "Print an Authorization header line")

	return cmd
}

func resolve(cmd *cobra.Command, provider, profileID string) (authresolver.Bundle, error) {
	sess, err := openSession(cmd)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	return sess.Resolver.Resolve(cmd.Context(), provider, profileID)
}
