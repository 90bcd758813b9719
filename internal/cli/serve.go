package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/hookwatch/internal/bridge"
)

var (
	serveAddr    string
	serveScript  string
	serveSpoofs  string
	serveJournal string
	serveDelay   time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Bridge listen address (default from config)")
	serveCmd.Flags().StringVar(&serveScript, "script", "", "Scenario YAML to replay (default: built-in scenario)")
	serveCmd.Flags().StringVar(&serveSpoofs, "spoofs", "", "Spoof script to load and watch for changes")
	serveCmd.Flags().StringVar(&serveJournal, "journal", "", "Append records to this hash-chained JSONL journal")
	serveCmd.Flags().DurationVar(&serveDelay, "delay", 500*time.Millisecond, "Pause between scripted calls")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a hooked session and stream it over the gRPC bridge",
	Long:  "Replays a scenario against a hooked host until interrupted. Presenters attach\nwith `hookwatch watch` and receive every recorded call; they may block endpoints\nor replace spoofs. The spoof file is reloaded whenever it changes.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveDelay <= 0 {
		return fmt.Errorf("--delay must be positive")
	}
	a, err := newApp(appOptions{scriptPath: serveScript, journalPath: serveJournal, spoofsPath: serveSpoofs})
	if err != nil {
		return err
	}
	defer a.Close()

	addr := firstNonEmpty(serveAddr, appConfig.BridgeAddr)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := bridge.New(a.sess, bridge.Config{Logger: logger.Named("bridge")})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Serve(lis) })
	g.Go(func() error {
		<-gctx.Done()
		srv.GracefulStop()
		return nil
	})
	g.Go(func() error { return a.sess.Run(gctx) })
	g.Go(func() error { return a.host.Loop(gctx, a.script.Steps, serveDelay, a.onStepError) })
	if path := firstNonEmpty(serveSpoofs, appConfig.SpoofsPath); path != "" {
		g.Go(func() error { return a.sess.WatchSpoofs(gctx, path) })
	}

	fmt.Fprintf(os.Stderr, "hookwatch bridge listening on %s\n", lis.Addr())
	logger.Info("serving", zap.String("addr", lis.Addr().String()), zap.Int("workers", len(a.host.Workers)))

	err = g.Wait()
	fmt.Fprintf(os.Stderr, "\nShutting down (%d records dropped for slow presenters)\n", srv.Dropped())
	return err
}
