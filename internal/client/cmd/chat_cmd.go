package cmd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/chat"
	"github.com/rudransh-shrivastava/peer-chat/internal/handshake"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "find peers and chat with one of them",
	Long: `chat makes this node discoverable, scans for peers and opens a prompt.
Commands: /peers, /scan, /advertise, /request N, /accept, /decline, /quit.
Anything else is sent to the peer once a chat is open.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		con := newConsole(cmd.OutOrStdout())
		a, err := newApp(ctx, cfg, log, con, true)
		if err != nil {
			return err
		}
		defer a.Close()

		nodeCtx, cancelNode := context.WithCancel(ctx)
		defer cancelNode()
		done := a.run(nodeCtx)

		con.printf("%s (%s)", a.node.Handle(), a.node.LocalID())
		if err := a.node.BeginAdvertising(ctx, ""); err != nil {
			return err
		}
		if err := a.node.BeginDiscovering(ctx); err != nil {
			return err
		}

		p := &prompt{app: a, con: con}
		err = p.loop(ctx, readLines(cmd.InOrStdin()), done)

		cancelNode()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn("Node did not stop in time")
		}
		return err
	},
}

type prompt struct {
	app     *app
	con     *console
	session *chat.Session
}

func (p *prompt) loop(ctx context.Context, lines <-chan string, done <-chan error) error {
	for {
		var (
			messages <-chan chat.Message
			failures <-chan error
			ended    <-chan struct{}
		)
		if p.session != nil {
			messages = p.session.Messages()
			failures = p.session.Failures()
			ended = p.session.Done()
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			return err
		case s := <-p.app.chats.Sessions():
			p.session = s
		case m := <-messages:
			p.con.printf("%s> %s", m.Peer.Name(), m.Body)
		case err := <-failures:
			p.con.printf("message not delivered: %v", err)
		case <-ended:
			if p.session.EndedByPeer() {
				p.con.printf("%s left the chat", p.session.Peer().Name())
			}
			p.session = nil
		case line, ok := <-lines:
			if !ok {
				p.leave()
				return nil
			}
			quit, err := p.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				p.con.printf("error: %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (p *prompt) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if p.session == nil {
			return false, errors.New("no open chat, try /peers and /request N")
		}
		return false, p.session.Send(line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/peers":
		p.con.listPeers()
	case "/scan":
		return false, p.app.node.BeginDiscovering(ctx)
	case "/advertise":
		return false, p.app.node.BeginAdvertising(ctx, "")
	case "/request":
		if len(fields) != 2 {
			return false, errors.New("usage: /request N")
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, err
		}
		target, ok := p.con.peer(idx)
		if !ok {
			return false, errors.New("no such peer, see /peers")
		}
		if err := p.app.node.RequestChat(ctx, target.ID); err != nil {
			return false, err
		}
		p.con.printf("asked %s, waiting for an answer", target.Name())
	case "/accept", "/decline":
		return false, p.answer(ctx, fields[0] == "/accept")
	case "/quit":
		p.leave()
		return true, nil
	default:
		p.con.printf("commands: /peers /scan /advertise /request N /accept /decline /quit")
	}
	return false, nil
}

// answer replies to the oldest request the node still holds. Requests that
// were settled elsewhere are skipped.
func (p *prompt) answer(ctx context.Context, accept bool) error {
	for {
		req, ok := p.con.takePending()
		if !ok {
			return errors.New("no pending request")
		}
		err := p.app.node.Respond(ctx, req.Peer.ID, accept)
		if errors.Is(err, handshake.ErrNoPendingRequest) {
			continue
		}
		return err
	}
}

func (p *prompt) leave() {
	if p.session != nil {
		_ = p.session.Close()
		p.session = nil
	}
}

// readLines feeds stdin lines to a channel, closing it at EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
