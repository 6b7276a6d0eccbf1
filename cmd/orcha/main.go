// Command orcha submits a prompt to a MetaOrcha server and prints the
// workflow's events as they arrive.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/metaorcha/metaorcha/sdk/go/metaorcha"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailed      = 1
	exitInterrupted = 130
)

const (
	modeSubscribe = "subscribe"
	modeChunked   = "chunked"
)

type options struct {
	url     string
	mode    string
	timeout time.Duration
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := exitOK
	opts := options{}

	cmd := &cobra.Command{
		Use:           "orcha [flags] prompt...",
		Short:         "Run a MetaOrcha workflow and stream its events",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.mode != modeSubscribe && opts.mode != modeChunked {
				return fmt.Errorf("invalid --mode %q: want %s or %s", opts.mode, modeSubscribe, modeChunked)
			}
			code = run(cmd.Context(), opts, strings.Join(args, " "), stdout, stderr)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", envOr("METAORCHA_URL", "http://localhost:8000"), "MetaOrcha server URL")
	cmd.Flags().StringVar(&opts.mode, "mode", modeSubscribe, "stream mode: subscribe or chunked")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 waits indefinitely)")
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "orcha:", err)
		return exitFailed
	}
	return code
}

func run(ctx context.Context, opts options, prompt string, stdout, stderr io.Writer) int {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := metaorcha.NewClient(metaorcha.Config{BaseURL: opts.url, Logger: logger})
	if err != nil {
		fmt.Fprintln(stderr, "orcha:", err)
		return exitFailed
	}

	onEvent := metaorcha.WithOnEvent(func(ev metaorcha.Event) { printEvent(stdout, ev) })

	var r *metaorcha.Run
	switch opts.mode {
	case modeChunked:
		r, err = client.Orchestrate(ctx, prompt, onEvent)
	default:
		var id string
		id, err = client.Submit(ctx, prompt)
		if err == nil {
			fmt.Fprintf(stdout, "workflow %s\n", id)
			r, err = client.Follow(ctx, id, onEvent)
		}
	}
	if err != nil {
		if interrupted(ctx) {
			return exitInterrupted
		}
		fmt.Fprintln(stderr, "orcha:", err)
		return exitFailed
	}

	state, err := r.Wait(context.Background())
	switch {
	case errors.Is(err, metaorcha.ErrRunCancelled) && interrupted(ctx):
		return exitInterrupted
	case err != nil:
		fmt.Fprintln(stderr, "orcha:", err)
		return exitFailed
	case state.Status == metaorcha.StatusCompleted:
		return exitOK
	default:
		return exitFailed
	}
}

// printEvent writes "HH:MM:SS [PROTO] TYPE message", followed by the
// indented result for COMPLETED events.
func printEvent(w io.Writer, ev metaorcha.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	proto := string(ev.Protocol)
	if proto == "" {
		proto = "-"
	}

	if ev.Type() != metaorcha.EventCompleted {
		fmt.Fprintf(w, "%s [%s] %s %s\n", ts.Local().Format(time.TimeOnly), proto, ev.Type(), ev.Message())
		return
	}
	fmt.Fprintf(w, "%s [%s] %s\n", ts.Local().Format(time.TimeOnly), proto, ev.Type())
	var buf bytes.Buffer
	if err := json.Indent(&buf, ev.Result(), "", "  "); err != nil {
		buf.Reset()
		buf.Write(ev.Result())
	}
	fmt.Fprintln(w, buf.String())
}

// interrupted reports whether ctx ended because of a signal rather than -timeout.
func interrupted(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
