package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mheld/ringcast/api"
	"github.com/mheld/ringcast/relay"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	root := &cobra.Command{
		Use:           "ringcast <bufferCount> <streamName> [pushIP]",
		Short:         "Live FLV ring-buffer fan-out relay",
		Version:       version,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  false,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().String("api-addr", "", "address for the optional HTTP status/metrics server")
	root.Flags().String("socket-dir", "/tmp", "directory holding the shared stream socket")
	viper.SetEnvPrefix("ringcast")
	viper.AutomaticEnv()
	viper.BindPFlag("api_addr", root.Flags().Lookup("api-addr"))
	viper.BindPFlag("socket_dir", root.Flags().Lookup("socket-dir"))

	if err := root.Execute(); err != nil {
		if !errors.Is(err, relay.ErrStreamParse) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	buffers, err := strconv.Atoi(args[0])
	if err != nil || buffers < 1 {
		return fmt.Errorf("invalid buffer count %q", args[0])
	}
	streamName := args[1]
	pushIP := ""
	if len(args) > 2 {
		pushIP = args[2]
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	met := relay.NewMetrics()
	rly := relay.New(relay.Config{
		Buffers:    buffers,
		StreamName: streamName,
		PushIP:     pushIP,
		SocketDir:  viper.GetString("socket_dir"),
		Metrics:    met,
	})

	slog.Info("ringcast starting",
		"version", version,
		"buffers", buffers,
		"stream", streamName,
		"push_ip", pushIP,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel() // relay exit tears down the API server too
		return rly.Run(ctx)
	})
	if addr := viper.GetString("api_addr"); addr != "" {
		g.Go(func() error {
			return api.NewServer(addr, rly, met).Start(ctx)
		})
	}

	return g.Wait()
}
