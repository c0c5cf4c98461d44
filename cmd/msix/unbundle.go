package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veldra/msix"
)

var unbundleCmd = &cobra.Command{
	Use:   "unbundle",
	Short: "Extract a bundle's packages into per-child directories",
	Long:  "Extract every package of a bundle, optionally narrowed by architecture or resource qualifier.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := extractOptions(cmd)
		if arch, _ := cmd.Flags().GetString("arch"); arch != "" {
			opts = append(opts, msix.WithArchitecture(arch))
		}
		if cmd.Flags().Changed("resource") {
			resource, _ := cmd.Flags().GetString("resource")
			opts = append(opts, msix.WithResourceID(resource))
		}

		pkg, err := openPackage(cmd, opts...)
		if err != nil {
			return err
		}
		defer pkg.Close()

		keys, err := loadKeys(cmd)
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output")
		reports, err := pkg.Unbundle(cmd.Context(), output, keys)
		if err != nil {
			return err
		}

		failed := 0
		for _, cr := range reports {
			switch {
			case cr.Err != nil:
				failed++
				cmd.PrintErrf("child %s: %v\n", cr.Name, cr.Err)
			case cr.Report.Err() != nil:
				failed++
				cmd.Printf("child %s: extracted %d file(s)\n", cr.Name, len(cr.Report.Extracted))
				for _, fe := range cr.Report.Failed {
					cmd.PrintErrf("  failed: %s: %v\n", fe.Path, fe.Err)
				}
			default:
				cmd.Printf("child %s: extracted %d file(s)\n", cr.Name, len(cr.Report.Extracted))
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d child package(s) had failures", failed)
		}
		return nil
	},
}

func init() {
	addExtractFlags(unbundleCmd)
	unbundleCmd.Flags().String("arch", "", "Only extract children with this architecture")
	unbundleCmd.Flags().String("resource", "", "Only extract children with this resource qualifier")
	rootCmd.AddCommand(unbundleCmd)
}
