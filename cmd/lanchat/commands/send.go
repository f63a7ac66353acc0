package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lanchat/internal/model"
)

// send <host:port> <message>: deliver one text and wait for the receipt.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <host:port> <message>",
		Short: "Send one message and wait for delivery",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parsePeer(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			n := rt.start()

			id, err := n.SendText(ctx, to, args[1])
			if err != nil {
				return fmt.Errorf("message %s not delivered: %w", id, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "delivered", id)
			return nil
		},
	}
}

// sendfile <host:port> <path>: offer a file and wait for the outcome.
func sendFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sendfile <host:port> <path>",
		Short: "Offer a file and stream it if accepted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parsePeer(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			n := rt.start()

			id, err := n.SendFile(ctx, to, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "offered %s, waiting for %s\n", id, to)

			stopCancel := context.AfterFunc(ctx, func() { _ = n.CancelTransfer(id) })
			defer stopCancel()

			snap, err := n.WaitTransfer(context.WithoutCancel(ctx), id)
			if err != nil {
				return err
			}
			switch snap.Status {
			case model.StatusDone:
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%d bytes)\n", snap.Name, snap.BytesTransferred)
				return nil
			case model.StatusFailed:
				return fmt.Errorf("transfer failed: %s", snap.Error)
			}
			return fmt.Errorf("transfer %s", snap.Status)
		},
	}
}
