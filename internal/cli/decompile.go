package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hookwatch/internal/decompile"
)

var decompileURL string

func init() {
	rootCmd.AddCommand(decompileCmd)
	decompileCmd.Flags().StringVar(&decompileURL, "url", "", "Decompilation service URL (default from config)")
}

var decompileCmd = &cobra.Command{
	Use:   "decompile <bytecode-file>",
	Short: "Send bytecode to the decompilation service and print the source",
	Long:  "Posts the raw file to the configured service in a single attempt with a 10s timeout.\nThe service's error text is printed when it rejects the input.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecompile,
}

func runDecompile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read bytecode: %w", err)
	}
	client := decompile.New(firstNonEmpty(decompileURL, appConfig.DecompileURL))
	src, err := client.Decompile(context.Background(), data)
	if err != nil {
		return err
	}
	fmt.Print(src)
	return nil
}
