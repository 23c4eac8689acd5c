package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/crisscross/internal/logging"
	"github.com/danmuck/crisscross/internal/protocol/stream"
	"github.com/danmuck/crisscross/internal/protocol/value"
	"github.com/danmuck/crisscross/internal/transport"
)

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		addr    string
		header  string
		content string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Encode one message, send it and print its packet id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Client.Addr = addr
			}
			h, err := value.Decode([]byte(header))
			if err != nil {
				return fmt.Errorf("parse --header: %w", err)
			}
			if !h.IsMap() {
				return fmt.Errorf("parse --header: want a JSON object, got %s", h.Kind())
			}
			c, err := value.Decode([]byte(content))
			if err != nil {
				return fmt.Errorf("parse --content: %w", err)
			}
			return runSend(cmd.Context(), cfg.Client, h, c, wait, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (overrides [dial] addr)")
	cmd.Flags().StringVar(&header, "header", "{}", "header as a JSON object")
	cmd.Flags().StringVar(&content, "content", "", "content as any JSON value")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for one reply and print it")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func runSend(ctx context.Context, cfg transport.ClientConfig, header, content value.Value, wait time.Duration, out io.Writer) error {
	client, err := transport.Dial(ctx, cfg, logging.New("send"))
	if err != nil {
		return err
	}
	defer client.Close()

	var replies chan stream.Message
	if wait > 0 {
		replies = make(chan stream.Message, 1)
		go func() {
			_ = client.Receive(func(m stream.Message) {
				select {
				case replies <- m:
				default:
				}
			})
		}()
	}

	id, err := client.Send(header, content)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, id)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case m := <-replies:
		fmt.Fprintf(out, "header=%s content=%s\n", m.Header, m.Content)
		return nil
	case <-timer.C:
		return fmt.Errorf("no reply within %v", wait)
	case <-ctx.Done():
		return ctx.Err()
	}
}
