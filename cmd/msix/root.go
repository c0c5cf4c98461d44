package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/veldra/msix"
	msixhttp "github.com/veldra/msix/http"
)

var rootCmd = &cobra.Command{
	Use:           "msix",
	Short:         "Inspect and extract application package containers",
	Long:          "Decode application package containers and bundles, decrypting protected content with keys from a keyfile.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// logger builds the slog logger the library options consume.
func logger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if !verbose {
		return nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// openPackage opens a local or remote container with the shared flags
// applied.
func openPackage(cmd *cobra.Command, opts ...msix.Option) (*msix.Package, error) {
	pkgPath, _ := cmd.Flags().GetString("package")
	if pkgPath == "" {
		return nil, fmt.Errorf("--package is required")
	}
	opts = append(opts, msix.WithLogger(logger(cmd)))

	if strings.HasPrefix(pkgPath, "http://") || strings.HasPrefix(pkgPath, "https://") {
		src, err := msixhttp.NewSource(pkgPath)
		if err != nil {
			return nil, err
		}
		return msix.New(src, opts...)
	}
	return msix.Open(pkgPath, opts...)
}

// loadKeys assembles the key store from --kf and --kt.
func loadKeys(cmd *cobra.Command) (*msix.KeyStore, error) {
	keys := msix.NewKeyStore()

	if path, _ := cmd.Flags().GetString("kf"); path != "" {
		fromFile, err := msix.OpenKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("keyfile %s: %w", path, err)
		}
		keys.Merge(fromFile)
	}
	if testKey, _ := cmd.Flags().GetBool("kt"); testKey {
		keys.AddTestKey()
	}

	if keys.Len() == 0 {
		return nil, nil
	}
	return keys, nil
}

// addExtractFlags registers the flags unpack and unbundle share.
func addExtractFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("package", "p", "", "Path or URL of the container")
	cmd.Flags().StringP("output", "o", "", "Destination directory")
	cmd.Flags().String("kf", "", "Path to a keyfile with decryption keys")
	cmd.Flags().Bool("kt", false, "Use the well-known test key")
	cmd.Flags().Bool("overwrite", false, "Overwrite existing files")
	cmd.Flags().Int("workers", 0, "Number of concurrent file extractions")
	_ = cmd.MarkFlagRequired("package") //nolint:errcheck // flag is registered above
	_ = cmd.MarkFlagRequired("output")  //nolint:errcheck // flag is registered above
}

// extractOptions converts shared flags into package options.
func extractOptions(cmd *cobra.Command) []msix.Option {
	var opts []msix.Option
	if overwrite, _ := cmd.Flags().GetBool("overwrite"); overwrite {
		opts = append(opts, msix.WithOverwrite(true))
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		opts = append(opts, msix.WithWorkers(workers))
	}
	return opts
}

// printReport writes per-file outcomes and returns an error when any
// file failed.
func printReport(cmd *cobra.Command, report *msix.Report) error {
	cmd.Printf("extracted %d file(s), skipped %d\n", len(report.Extracted), len(report.Skipped))
	if len(report.Failed) == 0 {
		return nil
	}
	for _, fe := range report.Failed {
		cmd.PrintErrf("failed: %s: %v\n", fe.Path, fe.Err)
	}
	return fmt.Errorf("%d file(s) failed", len(report.Failed))
}
