// Command mediascan probes URLs for media potential without opening a
// browser: one plain GET and a markup inspection per URL. Exit status is 0
// when at least one URL is worth a tab.
//
// Usage:
//
//	mediascan https://example.com/watch https://example.com/about
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/playpace/playpace/mediawatch"
)

type report struct {
	URL          string   `json:"url"`
	StatusCode   int      `json:"status_code,omitempty"`
	HasMedia     bool     `json:"has_media"`
	ScriptDriven bool     `json:"script_driven"`
	WorthTab     bool     `json:"worth_tab"`
	Tags         []string `json:"tags,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func main() {
	timeout := flag.Duration("timeout", 15*time.Second, "per-URL probe timeout")
	quiet := flag.Bool("q", false, "suppress output, exit status only")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: mediascan [-timeout 15s] [-q] <url> [url...]")
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	anyWorth := false

	for _, url := range flag.Args() {
		r := probeOne(ctx, url, *timeout, logger)
		if r.WorthTab {
			anyWorth = true
		}
		if !*quiet {
			enc.Encode(r)
		}
	}

	if !anyWorth {
		os.Exit(1)
	}
}

func probeOne(ctx context.Context, url string, timeout time.Duration, logger *slog.Logger) report {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := mediawatch.ProbeURL(ctx, url, logger)
	if err != nil {
		return report{URL: url, Error: err.Error()}
	}
	return report{
		URL:          url,
		StatusCode:   res.StatusCode,
		HasMedia:     res.HasMedia,
		ScriptDriven: res.ScriptDriven,
		WorthTab:     res.WorthTab(),
		Tags:         res.Tags,
	}
}
