package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/GrishaVar/publichat/pkg/crypto"
	"github.com/GrishaVar/publichat/pkg/network"
	"github.com/GrishaVar/publichat/pkg/window"
)

// Set at build time
var version = "dev"

const refreshInterval = time.Second

func main() {
	var (
		server  string
		title   string
		secret  string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "publichat-client",
		Short: "Join a publichat room from the terminal",
		Long: `publichat-client joins the room named by --room and prints its messages.

Anyone who knows the room title can read and write it. Your identity is
derived from --user; the same secret always gives the same user id.

Lines typed on stdin are sent to the room. Commands:
  /older   load the page of messages before the oldest one shown
  /quit    leave

Examples:
  publichat-client --server localhost:7070 --room lobby --user hunter2
  publichat-client --server ws://localhost:7070/ws --room lobby --user hunter2`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(server, title, secret, verbose)
		},
	}

	rootCmd.Flags().StringVarP(&server, "server", "s", "localhost:7070", "host:port for raw TCP, or a ws:// URL")
	rootCmd.Flags().StringVarP(&title, "room", "r", "", "Room title")
	rootCmd.Flags().StringVarP(&secret, "user", "u", "", "Secret your identity is derived from")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log connection details")
	rootCmd.MarkFlagRequired("room")
	rootCmd.MarkFlagRequired("user")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %s\n", err)
		os.Exit(1)
	}
}

func runClient(server, title, secret string, verbose bool) error {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	room, err := crypto.NewRoom(title)
	if err != nil {
		return err
	}
	identity := crypto.NewIdentity(secret)

	session, err := network.NewSession(network.SessionConfig{
		Server:   server,
		Room:     room,
		Identity: identity,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	fmt.Printf("🔐 Room %q (%s…)\n", title, room.ID.String()[:16])
	fmt.Printf("👤 You are %s\n\n", identity.UserID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go session.RunWithReconnect(ctx)
	go display(ctx, session.Window())

	return readInput(ctx, stop, session, os.Stdin)
}

// readInput sends every line of in, handling slash commands, until in ends
// or ctx is cancelled.
func readInput(ctx context.Context, stop context.CancelFunc, session *network.Session, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				stop()
				return nil
			}
			if err := handleLine(session, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					stop()
					return nil
				}
				fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleLine(session *network.Session, line string) error {
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/older":
		return session.RequestOlder()
	}
	return session.Send(line)
}

// display prints messages as the window grows in either direction
func display(ctx context.Context, w *window.Window) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	var (
		shown    bool
		minShown uint32
		maxShown uint32
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs := w.Messages()
		if len(msgs) == 0 {
			continue
		}

		var older, newer []window.Message
		for _, m := range msgs {
			switch {
			case !shown:
				newer = append(newer, m)
			case m.ID < minShown:
				older = append(older, m)
			case m.ID > maxShown:
				newer = append(newer, m)
			}
		}

		if len(older) > 0 {
			fmt.Println("── older messages ──")
			for _, m := range older {
				fmt.Println(formatMessage(m))
			}
			fmt.Println("────────────────────")
		}
		for _, m := range newer {
			fmt.Println(formatMessage(m))
		}

		shown = true
		minShown = msgs[0].ID
		maxShown = msgs[len(msgs)-1].ID
	}
}

func formatMessage(m window.Message) string {
	if m.Err != nil {
		return fmt.Sprintf("#%d  ⚠️  unreadable message: %v", m.ID, m.Err)
	}

	mark := "✓"
	if !m.Msg.Verified {
		mark = "?"
	}
	return fmt.Sprintf("[%s] %s %s: %s",
		m.Msg.ServerTime.Local().Format("15:04:05"),
		m.Msg.User(),
		mark,
		m.Msg.Text,
	)
}
