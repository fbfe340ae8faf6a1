package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/node"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "list peers on the local network",
	Long:  `scan browses the local network until the discovery timeout and prints every peer it saw`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if scanTimeout > 0 {
			cfg.Discovery.DiscoveryTimeout.Duration = scanTimeout
		}
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		watcher := &scanWatcher{finished: make(chan struct{}, 1)}
		a, err := newApp(ctx, cfg, log, watcher, false)
		if err != nil {
			return err
		}
		defer a.Close()

		nodeCtx, cancelNode := context.WithCancel(ctx)
		defer cancelNode()
		done := a.run(nodeCtx)

		if err := a.node.BeginDiscovering(ctx); err != nil {
			return err
		}

		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("scanning"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

	wait:
		for {
			select {
			case <-ctx.Done():
				break wait
			case <-watcher.finished:
				break wait
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
		_ = bar.Finish()

		peers := watcher.last()
		cancelNode()
		<-done

		if len(peers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no peers found")
			return nil
		}
		for _, p := range peers {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", p.Name(), p.ID)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "how long to scan (default discovery.discovery_timeout)")
}

// scanWatcher remembers the last peer set seen before the scan ended.
type scanWatcher struct {
	node.BaseListener

	mu       sync.Mutex
	peers    []peer.Peer
	finished chan struct{}
}

func (w *scanWatcher) OnPeersChanged(peers []peer.Peer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.peers = peers
}

func (w *scanWatcher) OnScanTimeout() {
	select {
	case w.finished <- struct{}{}:
	default:
	}
}

func (w *scanWatcher) OnScanFailure(err error) {
	fmt.Fprintf(os.Stderr, "scan error: %v\n", err)
}

func (w *scanWatcher) last() []peer.Peer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peers
}
