package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/hookwatch/internal/bridge"
	"github.com/ppiankov/hookwatch/internal/channel"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/spoof"
)

var (
	watchAddr   string
	watchBlock  []string
	watchSpoofs string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchAddr, "addr", "", "Bridge address (default from config)")
	watchCmd.Flags().StringSliceVar(&watchBlock, "block", nil, "Endpoint debug id to block after attaching (repeatable)")
	watchCmd.Flags().StringVar(&watchSpoofs, "spoofs", "", "Spoof script to send after attaching")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Attach to a running session and print calls as they are recorded",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	conn, err := bridge.Dial(firstNonEmpty(watchAddr, appConfig.BridgeAddr))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := bridge.NewClient(conn).Attach(ctx)
	if err != nil {
		return err
	}
	for _, id := range watchBlock {
		if err := st.SendRemoteData(id, record.Options{Blocked: true}); err != nil {
			return err
		}
	}
	if watchSpoofs != "" {
		src, err := spoof.ReadSource(watchSpoofs)
		if err != nil {
			return err
		}
		if err := st.SendSpoofs(src); err != nil {
			return err
		}
	}

	for {
		ev, err := st.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		switch ev.Type {
		case channel.TypeQueueLog:
			rec := ev.Record
			fmt.Printf("%s  %-9s %-8s %s:%s(%s)  %s\n",
				rec.Timestamp.Format("15:04:05.000"), rec.Direction, rec.Context,
				rec.Path, rec.Method, inline(rec.Args), outcome(rec))
		case channel.TypeAllRemoteData:
			fmt.Fprintf(os.Stderr, "attached (%d endpoints configured)\n", len(st.Options().All()))
		case channel.TypePrint:
			fmt.Fprintf(os.Stderr, "%v\n", ev.Values)
		}
	}
}
