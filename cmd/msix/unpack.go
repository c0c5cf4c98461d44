package main

import (
	"github.com/spf13/cobra"
)

var unpackCmd = &cobra.Command{
	Use:   "unpack",
	Short: "Extract a single package into a directory",
	Long:  "Extract every file of a package, decrypting protected content and verifying block hashes.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pkg, err := openPackage(cmd, extractOptions(cmd)...)
		if err != nil {
			return err
		}
		defer pkg.Close()

		keys, err := loadKeys(cmd)
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output")
		report, err := pkg.Unpack(cmd.Context(), output, keys)
		if err != nil {
			return err
		}
		return printReport(cmd, report)
	},
}

func init() {
	addExtractFlags(unpackCmd)
	rootCmd.AddCommand(unpackCmd)
}
