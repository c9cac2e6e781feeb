// Command enginectl is the operational surface spec.md §6 names: thin
// wrappers over the engine's init/migrate/query/replay/benchmark
// contracts. Exit-code and output formatting are this command's concern,
// not the engine's.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	_ "go.uber.org/automaxprocs"

	"go-sourcing/examples/user"
	"go-sourcing/internal/backend"
	"go-sourcing/internal/codec"
	"go-sourcing/internal/eventstore"
	"go-sourcing/internal/projection"
	"go-sourcing/internal/snapshot"
	"go-sourcing/internal/streamer"
	"go-sourcing/pkg/eventsourcing"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	var err error

	switch os.Args[1] {
	case "init":
		err = cmdInit(ctx, os.Args[2:])
	case "migrate":
		err = cmdMigrate(ctx, os.Args[2:])
	case "query":
		err = cmdQuery(ctx, os.Args[2:])
	case "replay":
		err = cmdReplay(ctx, os.Args[2:])
	case "benchmark":
		err = cmdBenchmark(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("enginectl %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: enginectl <init|migrate|query|replay|benchmark> [flags]")
}

func cmdInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	url := fs.String("url", "sqlite://:memory:", "connection string")
	fs.Parse(args)

	b, err := backend.Open(ctx, *url)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	if err := b.RunSchema(ctx); err != nil {
		return err
	}
	fmt.Println("schema ready")
	return nil
}

func cmdMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	url := fs.String("url", "sqlite://:memory:", "connection string")
	target := fs.Int("target-version", 1, "target schema version")
	fs.Parse(args)

	b, err := backend.Open(ctx, *url)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	if err := b.Migrate(ctx, *target); err != nil {
		return err
	}
	fmt.Printf("migrated to version %d\n", *target)
	return nil
}

func cmdQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	url := fs.String("url", "sqlite://:memory:", "connection string")
	aggregateID := fs.String("aggregate-id", "", "aggregate id to query")
	fromVersion := fs.Uint64("from-version", 0, "exclusive lower version bound")
	limit := fs.Int("limit", 0, "maximum rows to print, 0 = unbounded")
	fs.Parse(args)

	if *aggregateID == "" {
		return fmt.Errorf("-aggregate-id is required")
	}

	b, err := backend.Open(ctx, *url)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	store := eventstore.New(b, eventsourcing.NewRegistry())
	events, err := store.LoadEvents(ctx, *aggregateID, *fromVersion)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for i, e := range events {
		if *limit > 0 && i >= *limit {
			break
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func cmdReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	url := fs.String("url", "sqlite://:memory:", "connection string")
	subscriptionID := fs.String("projection-id", "", "subscription id to reset and replay")
	fs.Parse(args)

	if *subscriptionID == "" {
		return fmt.Errorf("-projection-id is required")
	}

	b, err := backend.Open(ctx, *url)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	registry := eventsourcing.NewRegistry()
	user.RegisterEventClasses(registry)

	count := &user.CountProjection{}
	runner := projection.New(b, registry, nil, projection.Config{
		SubscriptionID: *subscriptionID,
		AggregateType:  user.AggregateType,
		Handlers:       count.Handlers(),
		ResetReadModel: count.Reset,
	})

	if err := runner.Reset(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := runner.Run(runCtx); err != nil && runCtx.Err() == nil {
		return err
	}

	fmt.Printf("replay complete: count=%d\n", count.Count())
	return nil
}

func cmdBenchmark(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("benchmark", flag.ExitOnError)
	url := fs.String("url", "sqlite://:memory:", "connection string")
	duration := fs.Duration("duration", 10*time.Second, "benchmark duration")
	targetEPS := fs.Int("target-eps", 100, "target events per second")
	fs.Parse(args)

	b, err := backend.Open(ctx, *url)
	if err != nil {
		return err
	}
	defer b.Close(ctx)
	if err := b.RunSchema(ctx); err != nil {
		return err
	}

	registry := eventsourcing.NewRegistry()
	user.RegisterEventClasses(registry)

	streamBus := streamer.New(1024)
	snapStore := snapshot.New(b, codec.New(true))
	store := eventstore.New(b, registry, eventstore.WithStreamer(streamBus), eventstore.WithSnapshotStore(snapStore))

	deadline := time.Now().Add(*duration)
	interval := time.Second / time.Duration(max(*targetEPS, 1))

	var appended int
	for time.Now().Before(deadline) {
		u := user.New(fmt.Sprintf("bench-%d", rand.Int63()))
		u.Register("bench", "bench@example.com")
		if err := store.Save(ctx, u, 0); err != nil {
			return err
		}
		appended++
		time.Sleep(interval)
	}

	fmt.Printf("appended %d events in %s (%.1f events/sec, target %d)\n",
		appended, *duration, float64(appended)/duration.Seconds(), *targetEPS)
	return nil
}
