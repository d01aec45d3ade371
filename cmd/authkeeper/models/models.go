// Package modelscmder provides the models command.
package modelscmder

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/authkeeper/pkg/providers"
)

const modelsLongDesc string = `List the built-in model catalog or validate a model reference.

Model references have the form <provider>/<model>. Model ids may themselves
contain slashes; only the first one separates the provider.

Examples:
  authkeeper models                                  List every provider's models
  authkeeper models github-copilot                   List one provider's models
  authkeeper models --parse google-gemini-cli/gemini-2.5-pro`

const modelsShortDesc string = "List known models per provider"

func NewModelsCmd() *cobra.Command {
	var parseFlag string

	cmd := &cobra.Command{
		Use:   "models [provider]",
		Short: modelsShortDesc,
		Long:  modelsLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parseFlag != "" {
				return runParse(cmd, parseFlag)
			}

			names := providers.SupportedProviders()
			if len(args) == 1 {
				names = []string{strings.ToLower(strings.TrimSpace(args[0]))}
			}
			return runList(cmd, names)
		},
		ValidArgsFunction: func(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return providers.SupportedProviders(), cobra.ShellCompDirectiveNoFileComp
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
	}

	cmd.Flags().StringVar(&parseFlag, "parse", "", "Validate a <provider>/<model> reference")

	return cmd
}

func runList(cmd *cobra.Command, names []string) error {
	out := cmd.OutOrStdout()
	for _, name := range names {
		models, err := providers.ModelsFor(name)
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Fprintln(out, providers.ModelRef{Provider: name, Model: m})
		}
	}
	return nil
}

func runParse(cmd *cobra.Command, ref string) error {
	parsed, err := providers.ParseModelRef(ref)
	if err != nil {
		return err
	}

	info, _ := providers.Lookup(parsed.Provider)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "provider: %s\n", parsed.Provider)
	fmt.Fprintf(out, "model:    %s\n", parsed.Model)
	fmt.Fprintf(out, "family:   %s\n", info.Family)

	known, err := providers.ModelsFor(parsed.Provider)
	if err != nil {
		return err
	}
	if !slices.Contains(known, parsed.Model) {
		fmt.Fprintf(out, "note: %s is not in the built-in catalog\n", parsed.Model)
	}
	return nil
}
