package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/chat-stream/internal/transport"
	"github.com/spf13/cobra"
)

const defaultEndpoint = "http://localhost:8080/api/chat/completions"

type options struct {
	endpoint     string
	logChunks    bool
	recordPath   string
	logLevel     string
	systemPrompt string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "chat",
		Short:        "Chat with a completion endpoint from the terminal",
		Long:         "Reads a message per line and prints the streamed answer as it arrives.\nCtrl-C stops an answer in progress; at the prompt it exits.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(opts.logLevel, opts.logChunks)
			if err != nil {
				return err
			}

			observers := []transport.ObserverFactory{}
			if opts.logChunks {
				observers = append(observers, transport.LogObserverFactory(logger))
			}
			if opts.recordPath != "" {
				chunkLog, err := transport.NewChunkLog(opts.recordPath)
				if err != nil {
					return err
				}
				defer chunkLog.Close()
				observers = append(observers, transport.RecordObserverFactory(chunkLog, logger))
			}

			trOpts := []transport.Option{transport.WithLogger(logger)}
			if len(observers) > 0 {
				trOpts = append(trOpts, transport.WithObserver(transport.MultiObserverFactory(observers...)))
			}
			tr := transport.New(opts.endpoint, trOpts...)

			return newREPL(tr, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), logger, opts.systemPrompt).
				run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&opts.endpoint, "endpoint", "e", defaultEndpoint, "completion endpoint URL")
	cmd.Flags().StringVarP(&opts.systemPrompt, "system", "s", "", "system prompt sent with every request")
	cmd.PersistentFlags().BoolVar(&opts.logChunks, "log-chunks", false, "log every raw chunk of the responses")
	cmd.Flags().StringVar(&opts.recordPath, "record", "",
		"record the raw chunks of the responses to this file; every chunk is synced to disk before it is shown")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	cmd.AddCommand(newReplayCmd(&opts))

	return cmd
}

// newLogger creates the stderr logger. Chunk logs are written at debug level, so asking for them
// lowers the level accordingly.
func newLogger(level string, logChunks bool) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if logChunks {
		l = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
