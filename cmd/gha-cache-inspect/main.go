// Command gha-cache-inspect prints the contents of a cache's index.json:
// one row per entry, with size, age and expiry, the way an operator would
// want to see it from a terminal rather than by downloading and parsing the
// object by hand.
//
// It talks to the same internal/backend.Store and internal/index.Store the
// library uses internally, so what it prints is exactly what Engine.Restore
// would see — there is no separate read path to drift out of sync.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/opencache/gha-cache/internal/backend"
	"github.com/opencache/gha-cache/internal/index"
)

var version = "dev"

type options struct {
	backendKind string
	bucket      string
	owner       string
	repo        string
	prefix      string
	jsonOut     bool
	showVersion bool
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.backendKind, "backend", "s3", "object store backend: s3 or gcs")
	flag.StringVar(&o.bucket, "bucket", "", "bucket name (required)")
	flag.StringVar(&o.owner, "owner", "", "repository owner (required)")
	flag.StringVar(&o.repo, "repo", "", "repository name (required)")
	flag.StringVar(&o.prefix, "prefix", "gha-cache/", "object key prefix")
	flag.BoolVar(&o.jsonOut, "json", false, "print the raw index as JSON instead of a table")
	flag.BoolVar(&o.showVersion, "version", false, "print version and exit")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	if opts.showVersion {
		fmt.Println(version)
		return
	}
	if opts.bucket == "" || opts.owner == "" || opts.repo == "" {
		fmt.Fprintln(os.Stderr, "usage: gha-cache-inspect -bucket=<b> -owner=<o> -repo=<r> [-backend=s3|gcs] [-json]")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	store, err := openBackend(ctx, opts)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	objPrefix := opts.prefix + opts.owner + "/" + opts.repo + "/"
	idxStore := index.New(store, objPrefix, zap.NewNop())

	idx, err := idxStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	if opts.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(idx)
	}
	printTable(idx)
	return nil
}

func openBackend(ctx context.Context, opts *options) (backend.Store, error) {
	switch opts.backendKind {
	case "s3":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		return backend.NewS3Store(s3.NewFromConfig(cfg), opts.bucket), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		return backend.NewGCSStore(client, opts.bucket), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want s3 or gcs)", opts.backendKind)
	}
}

func printTable(idx *index.CacheIndex) {
	entries := append([]index.CacheEntry(nil), idx.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	fmt.Printf("version %s, %d entries, %s total\n\n", idx.Version, len(entries), humanize.Bytes(uint64(idx.TotalSize())))
	fmt.Printf("%-30s %10s %-20s %-20s %-20s\n", "KEY", "SIZE", "CREATED", "ACCESSED", "EXPIRES")
	for _, e := range entries {
		expires := "-"
		if e.ExpiresAt != nil {
			expires = formatAge(*e.ExpiresAt)
		}
		accessed := e.CreatedAt
		if e.AccessedAt != nil {
			accessed = *e.AccessedAt
		}
		fmt.Printf("%-30s %10s %-20s %-20s %-20s\n",
			e.Key, humanize.Bytes(uint64(e.SizeBytes)), formatAge(e.CreatedAt), formatAge(accessed), expires)
	}
}

func formatAge(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
