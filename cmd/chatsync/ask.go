package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/chatsync/pkg/engine"
	"github.com/go-go-golems/chatsync/pkg/stream"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newAskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask a single question in the active conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")
			newConversation, _ := cmd.Flags().GetBool("new")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			// the engine outlives an interrupted stream so the partial answer is stored
			if err := a.start(context.WithoutCancel(ctx)); err != nil {
				return err
			}

			subCtx, cancelSub := context.WithCancel(context.Background())
			defer cancelSub()
			ch, err := a.engine.Subscribe(subCtx)
			if err != nil {
				return err
			}
			printer := newStreamPrinter(cmd.OutOrStdout())
			go printer.run(ch)

			if newConversation {
				if _, err := a.engine.NewConversation(ctx, engine.NewConversationOptions{Category: category}); err != nil {
					return err
				}
			}

			res, err := a.engine.Submit(ctx, strings.Join(args, " "), category)
			if err != nil {
				return err
			}
			printer.wait(res.RequestID, time.Second)

			if res.State == stream.StateFailed {
				return errors.New(res.Error.Content)
			}
			return nil
		},
	}
	cmd.Flags().String("category", "", "Category sent with the question (default: the conversation's)")
	cmd.Flags().Bool("new", false, "Start a new conversation first")
	return cmd
}
