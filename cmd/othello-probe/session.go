package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-othello/internal/othello"
	"github.com/park285/cheese-othello/internal/othelloclient"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

var (
	flagPlayer string
	flagDaily  string
	flagMoves  string
	flagWatch  time.Duration
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Host a session and print every frame",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return play(func(ctx context.Context, c *othelloclient.Client) error {
			return c.Create(ctx, flagPlayer, flagDaily)
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <session>",
	Short: "Join a session and print every frame",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return play(func(ctx context.Context, c *othelloclient.Client) error {
			return c.Join(ctx, args[0], flagPlayer)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{createCmd, joinCmd} {
		cmd.Flags().StringVar(&flagPlayer, "player", "", "Player id")
		cmd.Flags().StringVar(&flagMoves, "moves", "", "Comma separated squares to play in order, e.g. d3,c5")
		cmd.Flags().DurationVar(&flagWatch, "watch", 2*time.Minute, "How long to stay connected")
		_ = cmd.MarkFlagRequired("player")
	}
	createCmd.Flags().StringVar(&flagDaily, "daily", "", "Start from the daily challenge of this date (or 'today')")
}

func play(start func(ctx context.Context, c *othelloclient.Client) error) error {
	moves, err := parseMoves(flagMoves)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, flagWatch)
	defer cancel()

	c := othelloclient.New(wsURL())
	c.OnStateChange(func(s othelloclient.State) { fmt.Printf("-- connection %s\n", s) })

	// moves are sent from here rather than the read callback so frames keep flowing
	myTurn := make(chan struct{}, 1)
	var you string
	c.OnMessage(func(msg othellodto.Outbound) {
		printFrame(msg)
		turn := ""
		switch {
		case msg.Snapshot != nil:
			you, turn = msg.Snapshot.You, msg.Snapshot.Turn
		case msg.Delta != nil && msg.Delta.Result == "":
			turn = msg.Delta.Turn
		case msg.Status != nil:
			turn = msg.Status.Turn
		}
		if turn != "" && turn == you {
			select {
			case myTurn <- struct{}{}:
			default:
			}
		}
	})

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", wsURL(), err)
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		_ = c.Close(cctx)
	}()
	if err := start(ctx, c); err != nil {
		return err
	}

	beat := time.NewTicker(10 * time.Second)
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat.C:
			_ = c.Heartbeat(ctx)
		case <-myTurn:
			if len(moves) == 0 {
				continue
			}
			cell := moves[0]
			moves = moves[1:]
			fmt.Printf(">> move %s\n", othello.SquareName(cell))
			if err := c.Move(ctx, cell); err != nil {
				return err
			}
		}
	}
}

func parseMoves(s string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		cell, err := othello.ParseSquare(p)
		if err != nil {
			return nil, fmt.Errorf("move %q: %w", p, err)
		}
		out = append(out, cell)
	}
	return out, nil
}

func printFrame(msg othellodto.Outbound) {
	switch {
	case msg.Snapshot != nil:
		s := msg.Snapshot
		fmt.Printf("<< snapshot %s seq=%d status=%s turn=%s you=%s score=%d-%d\n%s\n",
			s.SessionID, msg.Seq, s.Status, s.Turn, s.You, s.Score.Black, s.Score.White, s.Board)
	case msg.Delta != nil:
		d := msg.Delta
		fmt.Printf("<< delta seq=%d %s %s flips=%d turn=%s score=%d-%d status=%s %s\n",
			msg.Seq, d.Move.Color, d.Move.Square, len(d.Move.Flipped), d.Turn, d.Score.Black, d.Score.White, d.Status, d.Message)
	case msg.Status != nil:
		fmt.Printf("<< status %s %s %s\n", msg.Status.Event, msg.Status.Status, msg.Status.Message)
	case msg.Error != nil:
		fmt.Printf("<< error %s: %s\n", msg.Error.Code, msg.Error.Message)
	default:
		fmt.Printf("<< %s\n", msg.Type)
	}
}
