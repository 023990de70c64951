package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/llmgate/internal/provider"
	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/google"
	"github.com/user/llmgate/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(vendorsCmd)
	vendorsCmd.AddCommand(vendorModelsCmd)
}

var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "List supported vendors, auth modes and configured models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		registry := provider.DefaultRegistry(google.StreamFormat(cfg.Vendor("google").StreamFormat))

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VENDOR\tMODES\tMODEL\tBASE URL\tDEFAULT")
		for _, v := range registry.Vendors() {
			a, err := registry.Adapter(v)
			if err != nil {
				return err
			}
			modes := make([]string, 0, 2)
			for _, m := range a.Auth().Modes() {
				modes = append(modes, string(m))
			}
			vc := cfg.Vendor(string(v))
			base := vc.BaseURL
			if base == "" {
				base = a.Client().DefaultBaseURL(a.Auth().Modes()[0])
			}
			def := ""
			if string(v) == cfg.DefaultVendor {
				def = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v, strings.Join(modes, ","), vc.Model, base, def)
		}
		return w.Flush()
	},
}

var vendorModelsCmd = &cobra.Command{
	Use:   "models <vendor>",
	Short: "List the models an API key can use (openai only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		vendor, err := llm.ParseVendor(args[0])
		if err != nil {
			return err
		}
		if vendor != llm.VendorOpenAI {
			return fmt.Errorf("%w: model listing is only available for %s", llm.ErrInvalidProvider, llm.VendorOpenAI)
		}
		vc := cfg.Vendor(string(vendor))
		ids, err := openai.ListModels(cmd.Context(), vc.APIKey, vc.BaseURL, vc.OrgID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	},
}
