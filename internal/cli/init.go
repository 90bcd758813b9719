package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hookwatch/internal/config"
)

var (
	initMode  string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.hookwatch) or system (/etc/hookwatch)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap hookwatch configuration",
	Long: `Creates the config directory with a commented config.yaml and an
example spoof script.

User mode (default):  writes to ~/.hookwatch/
System mode:          writes to /etc/hookwatch/`,
	RunE: runInit,
}

const exampleSpoofs = `// hookwatch spoof script
// Keys are endpoint full names. "returns" is either a list of values or a
// function receiving the original callable followed by the call arguments.
module.exports = {
  // "game.ReplicatedStorage.Remotes.Shop": {
  //   method: "InvokeServer",
  //   returns: function (original, item, qty) {
  //     return original(item, qty);
  //   },
  // },
};
`

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	var created []string
	files := []struct{ name, content string }{
		{"config.yaml", config.DefaultYAML()},
		{"spoofs.js", exampleSpoofs},
	}
	for _, f := range files {
		path := filepath.Join(configDir, f.name)
		wrote, err := writeIfMissing(path, f.content)
		if err != nil {
			return err
		}
		if wrote {
			created = append(created, path)
		}
	}

	fmt.Println("hookwatch init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
	}
	fmt.Println()
	fmt.Println("Try it:")
	fmt.Println("  hookwatch demo")
	fmt.Printf("  hookwatch serve --spoofs %s\n", filepath.Join(configDir, "spoofs.js"))
	return nil
}

func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/hookwatch", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".hookwatch"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
