package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/mheld/ringcast/relay"
)

const copyBufSize = 500_000

func main() {
	root := &cobra.Command{
		Use:   "rawtap [streamName]",
		Short: "Dial a stream's shared socket and copy everything to stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	root.Flags().String("socket-dir", "/tmp", "directory holding the shared stream socket")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	} else {
		// No argument: read the stream name from stdin.
		if _, err := fmt.Fscan(bufio.NewReader(os.Stdin), &name); err != nil {
			return fmt.Errorf("read stream name: %w", err)
		}
	}
	dir, _ := cmd.Flags().GetString("socket-dir")

	conn, err := net.Dial("unix", relay.SocketPath(dir, name))
	if err != nil {
		return fmt.Errorf("dial stream socket: %w", err)
	}
	defer conn.Close()

	buf := make([]byte, copyBufSize)
	if _, err := io.CopyBuffer(os.Stdout, conn, buf); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("copy stream: %w", err)
	}
	return nil
}
