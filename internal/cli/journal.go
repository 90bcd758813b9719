package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hookwatch/internal/journal"
)

var tailLines int

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalVerifyCmd)
	journalCmd.AddCommand(journalTailCmd)
	journalTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Call journal operations",
	Long:  "Commands for verifying and inspecting the hash-chained call journal.",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of a call journal",
	Long:  "Walks the JSONL journal and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalVerify,
}

var journalTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent journal entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTail,
}

func runJournalVerify(cmd *cobra.Command, args []string) error {
	result := journal.Verify(args[0])
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runJournalTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > tailLines {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	for _, line := range lines {
		var entry journal.Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Println(line)
			continue
		}
		fmt.Printf("%s  %-8s %s:%s(%s)", entry.Timestamp, entry.Context, entry.Endpoint, entry.Method, joinArgs(entry.Args))
		if entry.Blocked {
			fmt.Print("  [blocked]")
		}
		if entry.Spoofed {
			fmt.Print("  [spoofed]")
		}
		fmt.Println()
	}
	return nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}
