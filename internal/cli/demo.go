package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/value"
)

var (
	demoScript  string
	demoSpoofs  string
	demoJournal string
	demoBlock   []string
	demoJSON    bool
	demoReplay  bool
)

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().StringVar(&demoScript, "script", "", "Scenario YAML (default: built-in scenario)")
	demoCmd.Flags().StringVar(&demoSpoofs, "spoofs", "", "Spoof script to load before playing")
	demoCmd.Flags().StringVar(&demoJournal, "journal", "", "Append records to this hash-chained JSONL journal")
	demoCmd.Flags().StringSliceVar(&demoBlock, "block", nil, "Endpoint path to block (repeatable)")
	demoCmd.Flags().BoolVar(&demoJSON, "json", false, "Print records as JSON")
	demoCmd.Flags().BoolVar(&demoReplay, "replay", false, "Print a replay script for every recorded call")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Play a scripted host session and print what was intercepted",
	Long:  "Builds a host from a scenario, hooks it from the main and worker contexts,\nplays every step once, and prints the recorded calls.",
	RunE:  runDemo,
}

func runDemo(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{scriptPath: demoScript, journalPath: demoJournal, spoofsPath: demoSpoofs})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, path := range demoBlock {
		inst, ok := a.host.Endpoints[path]
		if !ok {
			return fmt.Errorf("unknown endpoint %q", path)
		}
		a.sess.UpdateRemoteData(inst.DebugID(), record.Options{Blocked: true})
	}
	a.sess.Step()

	if err := a.host.Run(context.Background(), a.script.Steps, 0, a.onStepError); err != nil {
		return err
	}
	a.drain()

	recs := a.sess.Console().Recent(0)
	reverse(recs)

	if demoJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recordViews(recs))
	}

	fmt.Printf("=== hookwatch demo: %d calls recorded ===\n\n", len(recs))
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTEXT\tDIR\tENDPOINT\tMETHOD\tARGS\tRESULT")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Context, rec.Direction, rec.Path, rec.Method, inline(rec.Args), outcome(rec))
	}
	tw.Flush()

	if lines := a.sess.Console().Lines(); len(lines) > 0 {
		fmt.Println("\nConsole:")
		for _, l := range lines {
			fmt.Printf("  [%s] %s: %s\n", l.Level, l.Source, l.Message)
		}
	}

	if demoReplay {
		for _, rec := range recs {
			src, err := a.sess.MakeScript(rec.ID)
			if err != nil {
				return err
			}
			fmt.Printf("\n%s", src)
		}
	}
	return nil
}

type recordView struct {
	ID        string   `json:"id"`
	Context   string   `json:"context"`
	Direction string   `json:"direction"`
	Endpoint  string   `json:"endpoint"`
	Method    string   `json:"method"`
	Args      []string `json:"args"`
	Returns   []string `json:"returns,omitempty"`
	Blocked   bool     `json:"blocked,omitempty"`
	Spoofed   bool     `json:"spoofed,omitempty"`
	Caller    string   `json:"caller,omitempty"`
	Actor     bool     `json:"actor,omitempty"`
}

func recordViews(recs []*record.Call) []recordView {
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		v := recordView{
			ID:        rec.ID,
			Context:   rec.Context,
			Direction: string(rec.Direction),
			Endpoint:  rec.Path,
			Method:    rec.Method,
			Args:      formatEach(rec.Args),
			Blocked:   rec.Blocked,
			Spoofed:   rec.Spoofed,
		}
		if rec.Returned {
			v.Returns = formatEach(rec.Returns)
		}
		if rec.Caller != nil {
			v.Caller = rec.Caller.Script + ":" + rec.Caller.Function
		}
		v.Actor, _ = rec.Extra["Actor"].(bool)
		out = append(out, v)
	}
	return out
}

func outcome(rec *record.Call) string {
	switch {
	case rec.Blocked:
		return "blocked"
	case rec.Error != "":
		return "error: " + rec.Error
	case rec.Spoofed:
		return "spoofed " + inline(rec.Returns)
	case len(rec.Returns) > 0:
		return inline(rec.Returns)
	}
	return "-"
}

func inline(vals []any) string {
	return strings.Join(formatEach(vals), ", ")
}

func formatEach(vals []any) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = strings.Join(strings.Fields(value.Format(v)), " ")
	}
	return out
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
