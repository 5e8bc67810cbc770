package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/transport"
	"github.com/spf13/cobra"
)

func newReplayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <record-file> [stream-id]",
		Short: "List recorded streams, or decode one of them again",
		Long: "Without a stream id, lists the streams recorded with --record, newest first.\n" +
			"With one, feeds its chunks through the decoder and prints the events.",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.logLevel, opts.logChunks)
			if err != nil {
				return err
			}

			chunkLog, err := transport.NewChunkLog(args[0])
			if err != nil {
				return err
			}
			defer chunkLog.Close()

			if len(args) == 1 {
				return listStreams(cmd.OutOrStdout(), chunkLog)
			}

			var obs transport.ChunkObserver = transport.NopObserver{}
			if opts.logChunks {
				obs = transport.NewLogObserver(logger.With(slog.String("module", "replay")))
			}
			return replayStream(cmd.Context(), cmd.OutOrStdout(), chunkLog, args[1], obs, logger)
		},
	}
}

func listStreams(w io.Writer, chunkLog *transport.ChunkLog) error {
	records, err := chunkLog.Streams()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tCHUNKS\tBYTES\tRESULT")
	for _, rec := range records {
		result := "ok"
		switch {
		case rec.EndedAt.IsZero():
			result = "unfinished"
		case rec.Err != "":
			result = rec.Err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			rec.ID, rec.StartedAt.Format(time.RFC3339), rec.Chunks, rec.Bytes, result)
	}
	return tw.Flush()
}

// replayStream decodes the recorded stream id and prints one line per event.
func replayStream(
	ctx context.Context,
	w io.Writer,
	chunkLog *transport.ChunkLog,
	id string,
	obs transport.ChunkObserver,
	logger *slog.Logger,
) error {
	chunks, err := chunkLog.Chunks(id)
	if err != nil {
		return fmt.Errorf("error reading stream %s: %w", id, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for ev, err := range transport.Replay(ctx, chunks, obs, logger).Events() {
		if err != nil {
			return fmt.Errorf("error decoding stream %s: %w", id, err)
		}
		fmt.Fprintln(w, describeEvent(ev))
	}
	return nil
}

func describeEvent(ev models.Event) string {
	switch ev.Type {
	case models.EventStart:
		return fmt.Sprintf("%s message=%s", ev.Type, ev.MessageID)
	case models.EventTextDelta:
		return fmt.Sprintf("%s %q", ev.Type, ev.Delta)
	case models.EventToolInputStart:
		return fmt.Sprintf("%s %s id=%s", ev.Type, ev.ToolName, ev.ToolCallID)
	case models.EventToolCall:
		return fmt.Sprintf("%s %s id=%s input=%s", ev.Type, ev.ToolName, ev.ToolCallID, string(ev.Input))
	case models.EventToolResult:
		return fmt.Sprintf("%s id=%s output=%s", ev.Type, ev.ToolCallID, string(ev.Output))
	case models.EventError:
		return fmt.Sprintf("%s %s", ev.Type, ev.ErrorText)
	case models.EventFinish:
		return fmt.Sprintf("%s reason=%s", ev.Type, ev.FinishReason)
	default:
		return string(ev.Type)
	}
}
