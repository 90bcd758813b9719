package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	hookmcp "github.com/ppiankov/hookwatch/internal/mcp"
)

var (
	mcpScript  string
	mcpSpoofs  string
	mcpJournal string
	mcpDelay   time.Duration
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpScript, "script", "", "Scenario YAML to replay (default: built-in scenario)")
	mcpCmd.Flags().StringVar(&mcpSpoofs, "spoofs", "", "Spoof script to load at startup")
	mcpCmd.Flags().StringVar(&mcpJournal, "journal", "", "Append records to this hash-chained JSONL journal")
	mcpCmd.Flags().DurationVar(&mcpDelay, "delay", time.Second, "Pause between scripted calls (0 plays the scenario once)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs hookwatch as an MCP (Model Context Protocol) server over stdio.\nExposes session tools: calls, remote, spoofs, repeat, script.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{scriptPath: mcpScript, journalPath: mcpJournal, spoofsPath: mcpSpoofs})
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := hookmcp.New(hookmcp.Config{Session: a.sess, Version: version, Logger: logger.Named("mcp")})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sess.Run(gctx) })
	if mcpDelay > 0 {
		g.Go(func() error { return a.host.Loop(gctx, a.script.Steps, mcpDelay, a.onStepError) })
	} else {
		a.playOnce(gctx)
	}
	g.Go(func() error {
		defer stop()
		return srv.Run(gctx)
	})

	fmt.Fprintln(os.Stderr, "hookwatch MCP server running on stdio")
	return g.Wait()
}
