// Command feed bulk-loads wiki documents. It reads JSON files holding one
// submission or an array of submissions and publishes each to the ingestion
// subject, or prints them to stdout when no NATS URL is given.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/isuwiki/isuwiki/engine/ingest"
	"github.com/isuwiki/isuwiki/pkg/natsutil"
)

func main() {
	var (
		natsURL = flag.String("nats", "", "NATS URL (if empty, output JSON to stdout)")
		subject = flag.String("subject", ingest.Subject, "NATS subject to publish to")
		dir     = flag.String("dir", "", "directory of JSON files to load")
		tenant  = flag.String("tenant", "", "tenant override applied to every submission")
		pace    = flag.Duration("pace", 100*time.Millisecond, "delay between publishes")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	files := flag.Args()
	if *dir != "" {
		matches, err := filepath.Glob(filepath.Join(*dir, "*.json"))
		if err != nil {
			log.Error("bad directory glob", "dir", *dir, "err", err)
			os.Exit(1)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: feed [-nats URL] [-dir DIR] [file.json ...]")
		os.Exit(2)
	}

	var nc *nats.Conn
	if *natsURL != "" {
		var err error
		nc, err = nats.Connect(*natsURL, nats.Name("isuwiki-feed"))
		if err != nil {
			log.Error("nats connect failed", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
	}

	ctx := context.Background()
	var published, skipped int
	for _, path := range files {
		reqs, err := loadFile(path)
		if err != nil {
			log.Error("skipping file", "path", path, "err", err)
			skipped++
			continue
		}
		for _, req := range reqs {
			if *tenant != "" {
				req.TenantSlug = *tenant
			}
			if req.TenantSlug == "" || strings.TrimSpace(req.Text) == "" {
				log.Warn("skipping submission without tenant or text", "path", path)
				skipped++
				continue
			}
			if nc == nil {
				json.NewEncoder(os.Stdout).Encode(req)
				published++
				continue
			}
			if err := natsutil.Publish(ctx, nc, *subject, req); err != nil {
				log.Error("publish failed", "path", path, "err", err)
				skipped++
				continue
			}
			published++
			time.Sleep(*pace)
		}
	}

	log.Info("feed complete", "published", published, "skipped", skipped)
}

// loadFile accepts either a single submission object or an array of them.
func loadFile(path string) ([]ingest.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var reqs []ingest.Request
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		return reqs, nil
	}
	var req ingest.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return []ingest.Request{req}, nil
}
