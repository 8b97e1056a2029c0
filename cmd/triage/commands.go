package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/drewfead/triage/internal/bridge"
	"github.com/drewfead/triage/internal/cli"
)

func runSubmit(ctx context.Context, input, scenario string, verbose bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var sessionID string
	p := cli.NewPrinter(os.Stdout, cli.TermWidth(100), verbose)
	enc := json.NewEncoder(os.Stdout)

	_, err := getClient().Submit(ctx, input, scenario, func(ev bridge.Event) error {
		if rs, ok := ev.Payload.(*bridge.RunStartPayload); ok {
			sessionID = rs.SessionID
		}
		if jsonOutput {
			return enc.Encode(ev)
		}
		return p.Event(ev)
	})
	if err != nil && ctx.Err() != nil && sessionID != "" {
		// Disconnecting leaves the run going on the daemon.
		fmt.Fprintf(os.Stderr, "\ndetached; session %s keeps running (triage cancel %s)\n", sessionID, sessionID)
		return nil
	}
	if err != nil {
		return err
	}
	if !jsonOutput && p.Terminal != nil && p.Terminal.Type == bridge.EventError {
		return errors.New("investigation did not complete")
	}
	return nil
}

func runList(ctx context.Context, scenario string) error {
	sums, err := getClient().List(ctx, scenario)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(sums)
	}
	return cli.WriteSummaries(os.Stdout, sums)
}

func runHistory(ctx context.Context, scenario string, limit int) error {
	sums, err := getClient().History(ctx, scenario, limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(sums)
	}
	return cli.WriteSummaries(os.Stdout, sums)
}

func runShow(ctx context.Context, id string) error {
	resp, err := getClient().Get(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}
	return cli.WriteDocument(os.Stdout, resp.Session, resp.Source, cli.TermWidth(100))
}

func runCancel(ctx context.Context, id string) error {
	if err := getClient().Cancel(ctx, id); err != nil {
		return err
	}
	fmt.Printf("%s cancellation requested for %s\n", cli.Good(cli.CheckMark), id)
	return nil
}

func runStatus() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := getClient().Health(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(h)
	}
	fmt.Printf("%s triaged %s  %s\n", cli.Good(cli.Bullet), h.Status, cli.Muted("up "+time.Since(h.StartedAt).Round(time.Second).String()))
	fmt.Printf("  active %d  grace %d  recent %d  unsaved %d\n", h.Active, h.Grace, h.Recent, h.Dirty)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
