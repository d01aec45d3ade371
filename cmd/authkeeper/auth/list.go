package authcmder

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/authkeeper/pkg/credentials"
	"github.com/papercomputeco/authkeeper/pkg/providers"
)

// listStyles renders through lipgloss only when stdout is a terminal so piped
// output stays plain.
type listStyles struct {
	header   lipgloss.Style
	provider lipgloss.Style
	expired  lipgloss.Style
	dim      lipgloss.Style
}

func newListStyles(out io.Writer, color bool) listStyles {
	r := lipgloss.NewRenderer(out)
	if color {
		r.SetColorProfile(termenv.ANSI256)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}

	return listStyles{
		header:   r.NewStyle().Bold(true),
		provider: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		expired:  r.NewStyle().Foreground(lipgloss.Color("9")),
		dim:      r.NewStyle().Faint(true),
	}
}

var nowFn = time.Now

func runList(cmd *cobra.Command) error {
	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	names, err := sess.Store.Providers()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	st := newListStyles(out, stdoutIsTerminal())

	if len(names) == 0 {
		fmt.Fprintln(out, "No stored credentials.")
		fmt.Fprintf(out, "\nUse 'authkeeper auth <provider>' to connect.\nSupported providers: %s\n",
			strings.Join(providers.SupportedProviders(), ", "))
		return nil
	}

	fmt.Fprintln(out, st.header.Render("Stored credentials:"))
	for _, name := range names {
		ids, err := sess.Store.IDs(name)
		if err != nil {
			return err
		}

		label := name
		if info, ok := providers.Lookup(name); ok {
			label = fmt.Sprintf("%s (%s)", name, info.DisplayName)
		}
		fmt.Fprintf(out, "  %s\n", st.provider.Render(label))

		for _, id := range ids {
			profile, err := sess.Store.Get(id)
			if err != nil {
				return err
			}
			if profile == nil {
				continue
			}
			writeProfile(out, st, id, profile)
		}
	}

	return nil
}

func writeProfile(out io.Writer, st listStyles, id string, profile credentials.Profile) {
	switch p := profile.(type) {
	case *credentials.TokenProfile:
		fmt.Fprintf(out, "    %s  token  %s\n", id, st.dim.Render(orDash(p.Email)))
	case *credentials.OAuthProfile:
		expiry := "expires " + p.ExpiresAt().Local().Format(time.DateTime)
		if !p.Fresh(nowFn()) {
			expiry = st.expired.Render("expired (refreshes on next use)")
		}
		fmt.Fprintf(out, "    %s  oauth  %s  project %s  %s\n",
			id, st.dim.Render(orDash(p.Email)), p.ProjectID, expiry)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
