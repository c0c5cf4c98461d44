package main

import (
	"github.com/spf13/cobra"

	"github.com/veldra/msix"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print container identity and contents summary",
	Long:  "Print the identity, kind, and file summary of a package or bundle without extracting anything.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pkg, err := openPackage(cmd)
		if err != nil {
			return err
		}
		defer pkg.Close()

		printInfo(cmd, pkg.Info())

		if list, _ := cmd.Flags().GetBool("list"); list && pkg.Kind() == msix.KindPackage {
			for _, e := range pkg.Entries() {
				if e.Encrypted {
					cmd.Printf("  %s %d encrypted\n", e.Name, e.Size)
				} else {
					cmd.Printf("  %s %d\n", e.Name, e.Size)
				}
			}
		}

		verify, _ := cmd.Flags().GetBool("verify")
		if !verify {
			return nil
		}
		if pkg.Kind() != msix.KindPackage {
			cmd.Println("verify: only packages can be verified directly")
			return nil
		}

		keys, err := loadKeys(cmd)
		if err != nil {
			return err
		}
		report, err := pkg.Verify(cmd.Context(), keys)
		if err != nil {
			return err
		}
		return printReport(cmd, report)
	},
}

func printInfo(cmd *cobra.Command, info msix.Info) {
	cmd.Printf("kind: %s\n", info.Kind)
	cmd.Printf("name: %s\n", info.Identity.Name)
	cmd.Printf("publisher: %s\n", info.Identity.Publisher)
	cmd.Printf("version: %s\n", info.Identity.Version)
	if info.Identity.ProcessorArchitecture != "" {
		cmd.Printf("architecture: %s\n", info.Identity.ProcessorArchitecture)
	}
	if info.Identity.ResourceID != "" {
		cmd.Printf("resource: %s\n", info.Identity.ResourceID)
	}

	switch info.Kind {
	case msix.KindPackage:
		cmd.Printf("files: %d (%d encrypted)\n", info.FileCount, info.EncryptedCount)
	case msix.KindBundle:
		cmd.Printf("children: %d\n", len(info.Children))
		for _, c := range info.Children {
			cmd.Printf("  %s", c.FileName)
			if c.Architecture != "" {
				cmd.Printf(" arch=%s", c.Architecture)
			}
			if c.ResourceID != "" {
				cmd.Printf(" resource=%s", c.ResourceID)
			}
			if c.Version != "" {
				cmd.Printf(" version=%s", c.Version)
			}
			cmd.Println()
		}
	}
}

func init() {
	infoCmd.Flags().StringP("package", "p", "", "Path or URL of the container")
	infoCmd.Flags().Bool("list", false, "List container entries")
	infoCmd.Flags().Bool("verify", false, "Read and verify all package content")
	infoCmd.Flags().String("kf", "", "Path to a keyfile with decryption keys")
	infoCmd.Flags().Bool("kt", false, "Use the well-known test key")
	_ = infoCmd.MarkFlagRequired("package") //nolint:errcheck // flag is registered above
	rootCmd.AddCommand(infoCmd)
}
