package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"quizo-leaderboard/internal/leaderboard"
	"quizo-leaderboard/internal/tui"
)

const clearScreen = "\033[H\033[2J"

// NewWatchCmd follows a competition's live leaderboard from the terminal.
func NewWatchCmd() *cobra.Command {
	var server, competitionID, token string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a competition's leaderboard in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := watchURL(server, competitionID, token)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchLeaderboard(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), target)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "leaderboard server base URL")
	cmd.Flags().StringVar(&competitionID, "competition", "", "competition to follow")
	cmd.Flags().StringVar(&token, "token", os.Getenv("LEADERBOARD_TOKEN"), "bearer token, when the server requires one")
	_ = cmd.MarkFlagRequired("competition")
	return cmd
}

func watchURL(server, competitionID, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/leaderboard"
	q := url.Values{}
	q.Set("competitionId", competitionID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func watchLeaderboard(ctx context.Context, out, errOut io.Writer, target string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case "leaderboard":
			var frame leaderboard.Frame
			if err := json.Unmarshal(msg.Payload, &frame); err != nil {
				return fmt.Errorf("decode frame: %w", err)
			}
			fmt.Fprint(out, clearScreen+tui.RenderFrame(frame)+"\n")
		case "error":
			var e struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(msg.Payload, &e)
			fmt.Fprintln(errOut, "server:", e.Message)
		}
	}
}
