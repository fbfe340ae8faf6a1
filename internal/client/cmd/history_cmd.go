package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/store"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyClear bool
)

var historyCmd = &cobra.Command{
	Use:   "history [peer]",
	Short: "show past chats",
	Long:  `history lists the peers you have chatted with, or the messages exchanged with one peer (matched by handle or id prefix)`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if historyLimit <= 0 {
			historyLimit = cfg.Store.HistoryLimit
		}

		peers, messages, closeStores, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer closeStores()

		out := cmd.OutOrStdout()
		if len(args) == 0 {
			return listKnownPeers(cmd, out, peers)
		}

		matches, err := peers.FindPeers(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		switch len(matches) {
		case 0:
			return fmt.Errorf("%w: %s", store.ErrPeerNotFound, args[0])
		case 1:
		default:
			return fmt.Errorf("%q matches %d peers, use a longer id prefix", args[0], len(matches))
		}
		p := matches[0]

		if historyClear {
			if err := messages.DeleteMessages(cmd.Context(), p.ID); err != nil {
				return err
			}
			fmt.Fprintf(out, "cleared history with %s\n", p.Handle)
			return nil
		}

		msgs, err := messages.GetMessages(cmd.Context(), p.ID, historyLimit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			who := "you"
			if m.Direction == db.Incoming {
				who = p.Handle
			}
			fmt.Fprintf(out, "%s  %s> %s\n", time.UnixMilli(m.SentAt).Format(time.DateTime), who, m.Body)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "number of messages to show (default store.history_limit)")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "delete the history with the given peer")
}

func listKnownPeers(cmd *cobra.Command, out io.Writer, peers *store.PeerStore) error {
	known, err := peers.GetPeers(cmd.Context())
	if err != nil {
		return err
	}
	if len(known) == 0 {
		fmt.Fprintln(out, "no chats yet")
		return nil
	}
	for _, p := range known {
		fmt.Fprintf(out, "%-20s %-4d last %s  %s\n",
			p.Handle, p.ChatCount, time.Unix(p.LastChatAt, 0).Format(time.DateTime), p.ID)
	}
	return nil
}
