package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hookwatch/internal/spoof"
)

func init() {
	rootCmd.AddCommand(spoofsCmd)
	spoofsCmd.AddCommand(spoofsCheckCmd)
}

var spoofsCmd = &cobra.Command{
	Use:   "spoofs",
	Short: "Spoof script operations",
}

var spoofsCheckCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Compile a spoof script and list its entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpoofsCheck,
}

func runSpoofsCheck(cmd *cobra.Command, args []string) error {
	src, err := spoof.ReadSource(args[0])
	if err != nil {
		return err
	}
	if src == "" {
		return fmt.Errorf("%s: no spoof source", args[0])
	}
	reg := spoof.NewRegistry()
	if err := reg.Load(src); err != nil {
		return err
	}
	fmt.Printf("OK: %d entries\n", reg.Len())
	for _, key := range reg.Keys() {
		e, _ := reg.Get(key)
		fmt.Printf("  %s: %s\n", key, e)
	}
	return nil
}
