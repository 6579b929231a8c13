package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"gatelink/pkg/config"
	"gatelink/pkg/diag"
	"gatelink/pkg/gateway"
	debughttp "gatelink/pkg/http"
	"gatelink/pkg/runstream"
)

// runSend sends one message and streams the run's output to w until the run
// concludes.
func runSend(cfg *config.Config, logger zerolog.Logger, debugAddr string, args []string, w io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: gatelink -mode send <message>")
	}
	message := strings.Join(args, " ")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	buffer := diag.NewBufferSink(0)
	sink := diag.MultiSink{diag.NewZerologSink(logger), buffer}
	client := gateway.NewClient(cfg.ClientOptions(sink))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	if debugAddr != "" {
		go func() {
			if err := debughttp.NewDebugHandler(client, buffer).Serve(debugAddr); err != nil {
				logger.Warn().Err(err).Msg("debug server stopped")
			}
		}()
	}

	done := make(chan runstream.RunOutcome, 1)
	rec := runstream.NewReconciler(runstream.Callbacks{
		OnVisibleDelta: func(_, text string) {
			fmt.Fprint(w, text)
		},
		OnVisibleReplace: func(_, full string) {
			// Terminal output cannot be rewound; re-print the corrected
			// text on its own line instead.
			fmt.Fprintf(w, "\n[corrected]\n%s", full)
		},
		OnToolCall: func(_ string, call runstream.ToolCall) {
			if call.Done {
				logger.Info().Str("tool", call.Name).Msg("tool finished")
			}
		},
		OnSequenceGap: client.RegisterSequenceGap,
		OnRunEnded: func(_ string, outcome runstream.RunOutcome) {
			select {
			case done <- outcome:
			default:
			}
		},
	}, sink, runstream.WithGracePeriod(cfg.Run.GracePeriod()))

	res, err := client.SendChat(ctx, cfg.Gateway.Session, message)
	if err != nil {
		return err
	}
	rec.StartRun(res.RunID)

	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	frames := client.Distributor().SubscribeRun(subCtx, res.RunID)
	go func() {
		for f := range frames {
			rec.ProcessEvent(f)
		}
	}()

	select {
	case outcome := <-done:
		fmt.Fprintln(w)
		client.UntrackRun(res.RunID)
		if !outcome.Success {
			msg := client.EnrichRunError(ctx, cfg.Gateway.Session, outcome.Message)
			return fmt.Errorf("run failed: %s", msg)
		}
		return nil
	case <-ctx.Done():
		rec.EndRun(res.RunID)
		return ctx.Err()
	}
}

// runHealth prints the gateway's health and channel bindings.
func runHealth(cfg *config.Config, logger zerolog.Logger, w io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sink := diag.NewZerologSink(logger)
	client := gateway.NewClient(cfg.ClientOptions(sink))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "gateway ok=%v version=%s\n", health.OK, health.Version)

	channels, err := client.ChannelsStatus(ctx)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		fmt.Fprintf(w, "channel %s connected=%v %s\n", ch.Name, ch.Connected, ch.Detail)
	}
	return nil
}

// runSessions lists the gateway's sessions.
func runSessions(cfg *config.Config, logger zerolog.Logger, w io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sink := diag.NewZerologSink(logger)
	client := gateway.NewClient(cfg.ClientOptions(sink))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		label := s.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Key, label, s.Model)
	}
	return nil
}
