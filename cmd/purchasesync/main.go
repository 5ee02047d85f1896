package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/purchasesync/backend"
	"github.com/briangreenhill/purchasesync/events"
	"github.com/briangreenhill/purchasesync/internal/app"
	"github.com/briangreenhill/purchasesync/internal/config"
)

func main() {
	if err := runCLI(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "Usage: purchasesync <command> [args]")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  customer <app_user_id> [--force]   Fetch customer info")
	fmt.Fprintln(out, "  offerings <app_user_id>            Fetch offerings")
	fmt.Fprintln(out, "  mapping                            Fetch the product entitlement mapping")
	fmt.Fprintln(out, "  track <queue> <kind> [key=value]   Store an event for later delivery")
	fmt.Fprintln(out, "  flush [queue]                      Deliver stored events now")
	fmt.Fprintln(out, "  status                             Show stored events and failure counters")
	fmt.Fprintln(out, "  clear-cache                        Drop cached responses")
	fmt.Fprintln(out, "Environment:")
	fmt.Fprintln(out, "  PURCHASES_API_KEY      API key (required)")
	fmt.Fprintln(out, "  PURCHASES_BASE_URL     Backend URL")
	fmt.Fprintln(out, "  PURCHASES_DATA_DIR     Where event logs and the cache live")
}

func runCLI(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return nil
	}
	switch args[0] {
	case "help", "--help", "-h":
		usage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintln(out, "purchasesync v0.1.0")
		return nil
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	switch args[0] {
	case "customer":
		if len(args) < 2 {
			return fmt.Errorf("customer requires an app user id")
		}
		force := len(args) > 2 && args[2] == "--force"
		return fetch(ctx, a, out, backend.Request{Endpoint: backend.GetCustomerInfo, PathArgs: args[1:2], ForceRefresh: force})
	case "offerings":
		if len(args) < 2 {
			return fmt.Errorf("offerings requires an app user id")
		}
		return fetch(ctx, a, out, backend.Request{Endpoint: backend.GetOfferings, PathArgs: args[1:2]})
	case "mapping":
		return fetch(ctx, a, out, backend.Request{Endpoint: backend.GetProductEntitlementMapping})
	case "track":
		return track(ctx, a, out, args[1:])
	case "flush":
		return flush(ctx, a, out, args[1:])
	case "status":
		return status(ctx, a, out)
	case "clear-cache":
		if err := a.Client.ClearCache(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "cache cleared")
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(cfg.Level())
	// events are only delivered by an explicit flush
	return app.Setup(ctx, cfg, app.Options{Logger: logger, Scheduler: noopScheduler{}})
}

type noopScheduler struct{}

func (noopScheduler) ScheduleFlush(string) {}

func fetch(ctx context.Context, a *app.App, out io.Writer, req backend.Request) error {
	res, err := a.Client.Do(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "status=%d origin=%s verification=%s\n", res.StatusCode, res.Origin, res.Verification)
	if len(res.Payload) > 0 {
		var pretty any
		if err := json.Unmarshal(res.Payload, &pretty); err != nil {
			_, err = out.Write(append(res.Payload, '\n'))
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	}
	return nil
}

func track(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("track requires a queue and an event kind")
	}
	q, ok := a.Queues.Get(args[0])
	if !ok {
		return fmt.Errorf("queue '%s' not found. Available queues: %v", args[0], a.Queues.List())
	}
	props, err := parseProperties(args[2:])
	if err != nil {
		return err
	}
	ev := events.NewEvent(args[1], uuid.New(), props)
	if err := q.Track(ctx, ev); err != nil {
		return err
	}
	fmt.Fprintf(out, "tracked %s in %s\n", ev.ID, q.Name())
	return nil
}

func parseProperties(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	props := make(map[string]any, len(args))
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q, want key=value", kv)
		}
		props[k] = v
	}
	return props, nil
}

func flush(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	if len(args) == 0 {
		outcomes := a.Queues.FlushAll(ctx)
		names := make([]string, 0, len(outcomes))
		for name := range outcomes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s: %s\n", name, outcomes[name])
		}
		return nil
	}
	q, ok := a.Queues.Get(args[0])
	if !ok {
		return fmt.Errorf("queue '%s' not found. Available queues: %v", args[0], a.Queues.List())
	}
	fmt.Fprintf(out, "%s: %s\n", q.Name(), q.Flush(ctx))
	return nil
}

func status(ctx context.Context, a *app.App, out io.Writer) error {
	for _, name := range a.Queues.List() {
		q, _ := a.Queues.Get(name)
		size, err := q.LogSize()
		if err != nil {
			return err
		}
		failures, err := q.Failures(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: bytes=%d consecutive_failures=%d\n", name, size, failures)
	}
	return nil
}
