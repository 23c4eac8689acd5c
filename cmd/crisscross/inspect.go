package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/crisscross/internal/logging"
	"github.com/danmuck/crisscross/internal/protocol/stream"
)

// inspectStats counts decoder activity for the closing summary line.
type inspectStats struct {
	frames    int
	resyncs   int
	discarded int
	malformed int
}

func (s *inspectStats) FrameDecoded(int, int) { s.frames++ }

func (s *inspectStats) Resync(_ string, discarded int) {
	s.resyncs++
	s.discarded += discarded
}

func (s *inspectStats) MalformedBody(string) { s.malformed++ }

func newInspectCmd() *cobra.Command {
	var readSize int
	cmd := &cobra.Command{
		Use:   "inspect <file|->",
		Short: "Decode frames from a captured byte stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("inspect: %w", err)
				}
				defer f.Close()
				src = f
			}
			return runInspect(src, readSize, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&readSize, "read-size", stream.DefaultReadSize, "bytes per read; smaller values emulate network chunking")
	return cmd
}

func runInspect(src io.Reader, readSize int, out io.Writer) error {
	stats := &inspectStats{}
	dec, err := stream.NewDecoder(
		src,
		func(m stream.Message) {
			fmt.Fprintf(out, "#%d header=%s content=%s\n", stats.frames+1, m.Header, m.Content)
		},
		stream.WithLogger(logging.New("inspect")),
		stream.WithRecorder(stats),
		stream.WithReadSize(readSize),
	)
	if err != nil {
		return err
	}
	if err := dec.Serve(); err != nil {
		return err
	}
	fmt.Fprintf(out, "frames=%d resyncs=%d discarded_bytes=%d malformed=%d\n",
		stats.frames, stats.resyncs, stats.discarded, stats.malformed)
	return nil
}
