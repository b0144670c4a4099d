// httpfs mounts remote HTTP(S) or S3 resources as a read-only
// filesystem. Paths below the mount point encode URLs:
//
//	<mount>/<host>/<path>..
//
// The trailing ".." marks the final segment as a file; every other
// path is an emulated directory. The scheme comes from -scheme, the
// HTTPFS_SCHEME environment variable, or the basename of the mount
// point (mounting at /tmp/https serves https URLs).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/higlass/simple-httpfs/internal/logging"
	"github.com/higlass/simple-httpfs/internal/metrics"
	"github.com/higlass/simple-httpfs/pkg/fetch"
	"github.com/higlass/simple-httpfs/pkg/fuse"
	"github.com/higlass/simple-httpfs/pkg/retry"
)

func main() {
	mountPoint := flag.String("mount", "", "Mount point for the virtual filesystem (required)")
	scheme := flag.String("scheme", "", "URL scheme: http, https, or s3 (default: inferred from mount point basename)")
	attrTTL := flag.Duration("attr-ttl", 60*time.Second, "How long probed attributes (and negative results) are cached")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-request timeout")
	retries := flag.Int("retries", 3, "Attempts per network operation")
	allowOther := flag.Bool("allow-other", false, "Allow other users to access the mount (needs user_allow_other in /etc/fuse.conf)")
	debug := flag.Bool("debug", false, "Enable FUSE protocol debugging")
	metricsAddr := flag.String("metrics", "", "Address to serve Prometheus metrics on (e.g. :9090, empty to disable)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "console", "Log format: json or console")
	userAgent := flag.String("user-agent", "httpfs", "User-Agent header for HTTP requests")

	s3Region := flag.String("s3-region", "", "AWS region for the s3 scheme")
	s3Profile := flag.String("s3-profile", "", "AWS shared config profile for the s3 scheme")
	s3Endpoint := flag.String("s3-endpoint", "", "Custom S3 endpoint for S3-compatible stores")
	s3PathStyle := flag.Bool("s3-path-style", false, "Use path-style S3 addressing")
	s3Anonymous := flag.Bool("s3-anonymous", false, "Skip AWS credential resolution (public buckets)")

	flag.Parse()

	if err := logging.Init(logging.Config{Level: *logLevel, Format: *logFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: -mount is required\n")
		flag.Usage()
		os.Exit(1)
	}

	if *scheme == "" {
		*scheme = os.Getenv("HTTPFS_SCHEME")
	}
	if *scheme == "" {
		*scheme = filepath.Base(filepath.Clean(*mountPoint))
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = *retries

	ctx := context.Background()

	var fetcher fuse.Fetcher
	switch *scheme {
	case "http", "https":
		fetcher = fetch.New(fetch.Config{
			Timeout:   *timeout,
			Retry:     retryCfg,
			UserAgent: *userAgent,
		})
	case "s3":
		s3Fetcher, err := fetch.NewS3(ctx, fetch.S3Config{
			Region:       *s3Region,
			Profile:      *s3Profile,
			Endpoint:     *s3Endpoint,
			UsePathStyle: *s3PathStyle,
			Anonymous:    *s3Anonymous,
			Retry:        retryCfg,
		})
		if err != nil {
			logging.Fatal("failed to create S3 client", zap.Error(err))
		}
		fetcher = s3Fetcher
	default:
		fmt.Fprintf(os.Stderr, "Error: unsupported scheme %q (use -scheme or mount at a directory named http, https, or s3)\n", *scheme)
		os.Exit(1)
	}

	fsys, err := fuse.New(fuse.Config{
		Scheme:     *scheme,
		AttrTTL:    *attrTTL,
		AllowOther: *allowOther,
		Debug:      *debug,
	}, fetcher)
	if err != nil {
		logging.Fatal("failed to create filesystem", zap.Error(err))
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			logging.Info("metrics listening", zap.String("addr", *metricsAddr))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logging.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	server, err := fsys.Mount(*mountPoint)
	if err != nil {
		logging.Fatal("mount failed", zap.Error(err))
	}

	logging.Info("serving remote files",
		zap.String("mountpoint", *mountPoint),
		zap.String("scheme", *scheme),
		zap.Duration("attr_ttl", *attrTTL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("unmounting")
	if err := server.Unmount(); err != nil {
		logging.Error("unmount failed, filesystem may still be busy", zap.Error(err))
	}
	server.Wait()

	snap := fsys.StatsSnapshot()
	logging.Info("session stats",
		zap.Int64("lookups", snap.Lookups),
		zap.Int64("range_reads", snap.RangeReads),
		zap.Int64("bytes_served", snap.BytesServed),
		zap.Int64("failed_fetches", snap.FailedFetches),
		zap.Int64("read_only_rejects", snap.ReadOnlyRejects))
}
