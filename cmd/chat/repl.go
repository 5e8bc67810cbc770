package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/MegaGrindStone/chat-stream/internal/chat"
	"github.com/MegaGrindStone/chat-stream/internal/transport"
)

const (
	prompt = "> "

	commandReset = "/reset"
	commandQuit  = "/quit"
)

type repl struct {
	session *chat.Session
	in      io.Reader
	out     io.Writer
	errOut  io.Writer

	// interrupts delivers Ctrl-C. run subscribes to os.Interrupt when it is nil.
	interrupts <-chan os.Signal
}

func newREPL(
	t transport.StreamingTransport,
	in io.Reader,
	out, errOut io.Writer,
	logger *slog.Logger,
	systemPrompt string,
) *repl {
	p := newPrinter(out, errOut)
	return &repl{
		session: chat.New(t,
			chat.WithObserver(p),
			chat.WithNotifier(p),
			chat.WithLogger(logger),
			chat.WithSystemPrompt(systemPrompt),
		),
		in:     in,
		out:    out,
		errOut: errOut,
	}
}

// run reads one message per line until the input ends, /quit is entered or Ctrl-C arrives at the
// prompt. Ctrl-C while an answer streams stops that answer only.
func (r *repl) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.interrupts == nil {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)
		r.interrupts = sigs
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(r.out, prompt)

		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-r.interrupts:
			fmt.Fprintln(r.out)
			return nil
		case err := <-readErr:
			fmt.Fprintln(r.out)
			return err
		case line = <-lines:
		}

		switch strings.TrimSpace(line) {
		case "":
			continue
		case commandQuit:
			return nil
		case commandReset:
			if err := r.session.Reset(); err != nil {
				fmt.Fprintf(r.errOut, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(r.out, "(conversation cleared)")
			continue
		}

		r.send(ctx, line)
	}
}

// send runs one turn, stopping it on Ctrl-C.
func (r *repl) send(ctx context.Context, line string) {
	done := make(chan error, 1)
	go func() {
		done <- r.session.Send(ctx, line)
	}()

	var err error
	select {
	case err = <-done:
	case <-r.interrupts:
		r.session.Stop()
		err = <-done
	}

	switch {
	case err == nil:
	case errors.Is(err, transport.ErrAborted):
		fmt.Fprintln(r.out, "(stopped)")
	case chat.IsRateLimited(err):
		// The notifier already told the user.
	default:
		fmt.Fprintf(r.errOut, "error: %v\n", err)
	}
}
