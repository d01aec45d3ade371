// Package authcmder provides the auth command for connecting, listing and
// removing provider credentials.
package authcmder

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/papercomputeco/authkeeper/cmd/authkeeper/session"
	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/browser"
	"github.com/papercomputeco/authkeeper/pkg/copilot"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
	"github.com/papercomputeco/authkeeper/pkg/providers"
)

const authLongDesc string = `Connect credentials for AI providers.

Credentials are stored in credentials.json in the .authkeeper/ directory.

github-copilot uses the GitHub device flow: a one-time code is printed and
authkeeper waits while you enter it in the browser. The Google providers use
an OAuth browser flow with a local callback listener; the authorization URL
is opened automatically when running in a terminal.

Supported providers: github-copilot, google-gemini-cli, google-antigravity

Examples:
  authkeeper auth github-copilot                    Connect GitHub Copilot
  authkeeper auth google-gemini-cli                 Connect Gemini CLI
  authkeeper auth google-antigravity --no-browser   Print the URL only
  authkeeper auth --list                            List connected profiles
  authkeeper auth --remove github-copilot           Disconnect GitHub Copilot`

const authShortDesc string = "Connect credentials for AI providers"

var (
	openSession = session.Open
	openBrowser = browser.Open

	sleepFn = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}

	stdoutIsTerminal = func() bool {
		return term.IsTerminal(int(os.Stdout.Fd()))
	}
)

func NewAuthCmd() *cobra.Command {
	var listFlag bool
	var removeFlag string
	var noBrowserFlag bool

	cmd := &cobra.Command{
		Use:   "auth [provider]",
		Short: authShortDesc,
		Long:  authLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case listFlag:
				return runList(cmd)
			case removeFlag != "":
				return runRemove(cmd, removeFlag)
			default:
				if len(args) == 0 {
					return fmt.Errorf("provider argument required\n\nSupported providers: %s",
						strings.Join(providers.SupportedProviders(), ", "))
				}
				return runAuth(cmd, args[0], noBrowserFlag)
			}
		},
		ValidArgsFunction: func(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return providers.SupportedProviders(), cobra.ShellCompDirectiveNoFileComp
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
	}

	cmd.Flags().BoolVar(&listFlag, "list", false, "List connected profiles")
	cmd.Flags().StringVar(&removeFlag, "remove", "", "Disconnect the default profile of a provider")
	cmd.Flags().BoolVar(&noBrowserFlag, "no-browser", false, "Print the authorization URL without opening a browser")

	return cmd
}

func normalize(provider string) (providers.Info, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))

	info, ok := providers.Lookup(provider)
	if !ok {
		return providers.Info{}, fmt.Errorf("unsupported provider: %q\n\nSupported providers: %s",
			provider, strings.Join(providers.SupportedProviders(), ", "))
	}
	return info, nil
}

func runAuth(cmd *cobra.Command, provider string, noBrowser bool) error {
	info, err := normalize(provider)
	if err != nil {
		return err
	}

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	launch := !noBrowser && stdoutIsTerminal()

	switch info.Family {
	case providers.FamilyToken:
		return runDeviceFlow(cmd.Context(), out, sess, info, launch)
	default:
		return runOAuthFlow(cmd.Context(), out, sess, info, launch)
	}
}

func runDeviceFlow(ctx context.Context, out io.Writer, sess *session.Session, info providers.Info, launch bool) error {
	code, err := sess.Resolver.StartDeviceFlow(ctx)
	if err != nil {
		return fmt.Errorf("%s device flow: %w", info.Name, err)
	}

	fmt.Fprintf(out, "First copy your one-time code: %s\n", code.UserCode)
	fmt.Fprintf(out, "Then open %s and enter it.\n", code.VerificationURI)
	if launch {
		tryOpen(out, code.VerificationURI)
	}
	fmt.Fprintln(out, "Waiting for authorization...")

	profile, err := pollDevice(ctx, sess, code)
	if err != nil {
		return fmt.Errorf("%s device flow: %w", info.Name, err)
	}

	if profile.Email != "" {
		fmt.Fprintf(out, "Connected %s as %s\n", info.DisplayName, profile.Email)
	} else {
		fmt.Fprintf(out, "Connected %s\n", info.DisplayName)
	}
	return nil
}

// pollDevice drives the device grant one poll at a time, adopting the interval
// each poll reports.
func pollDevice(ctx context.Context, sess *session.Session, code *copilot.DeviceCode) (*credentials.TokenProfile, error) {
	next := *code
	for {
		if err := sleepFn(ctx, next.Interval); err != nil {
			return nil, err
		}
		if !code.ExpiresAt.IsZero() && time.Now().After(code.ExpiresAt) {
			return nil, autherr.New(autherr.KindAuthRequired, copilot.Provider, "device code expired")
		}

		res, err := sess.Resolver.PollDeviceFlow(ctx, &next)
		if err != nil {
			return nil, err
		}
		next.Interval = res.Interval

		switch res.State {
		case copilot.PollComplete:
			return res.Profile, nil
		case copilot.PollExpired:
			return nil, autherr.New(autherr.KindAuthRequired, copilot.Provider, "device code expired")
		case copilot.PollDenied:
			return nil, autherr.New(autherr.KindAccessDenied, copilot.Provider, "authorization denied")
		}
	}
}

func runOAuthFlow(ctx context.Context, out io.Writer, sess *session.Session, info providers.Info, launch bool) error {
	flow, err := sess.Resolver.StartOAuthFlow(ctx, info.Name)
	if err != nil {
		return fmt.Errorf("%s oauth: %w", info.Name, err)
	}

	fmt.Fprintln(out, "Open this URL in your browser to authorize:")
	fmt.Fprintf(out, "  %s\n", flow.AuthURL)
	if launch {
		tryOpen(out, flow.AuthURL)
	}
	fmt.Fprintf(out, "Waiting for the callback on %s ...\n", flow.RedirectURI)

	profile, err := flow.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%s oauth: %w", info.Name, err)
	}

	who := info.DisplayName
	if profile.Email != "" {
		who += " as " + profile.Email
	}
	fmt.Fprintf(out, "Connected %s (project %s)\n", who, profile.ProjectID)
	return nil
}

func tryOpen(out io.Writer, url string) {
	if err := openBrowser(url); err != nil {
		fmt.Fprintf(out, "Could not open a browser (%v); open the URL manually.\n", err)
	}
}

func runRemove(cmd *cobra.Command, provider string) error {
	info, err := normalize(provider)
	if err != nil {
		return err
	}

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	removed, err := sess.Resolver.Disconnect(cmd.Context(), info.Name, "")
	if err != nil {
		return err
	}

	if removed {
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s credentials.\n", info.Name)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "No stored credentials for %s.\n", info.Name)
	}
	return nil
}
