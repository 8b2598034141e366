// Package probe implements the HTTP pre-flight: a single GET that decides
// whether a URL is worth a browser tab at all. A static page whose markup
// carries no media elements and no script-driven player cannot grow one,
// so the watcher skips it instead of burning Chrome memory.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// maxBody caps the probe read (media markup sits in the first bytes of
// any sane page).
const maxBody = 10 << 20

// Result is the outcome of a probe.
type Result struct {
	StatusCode int
	// HasMedia is true when the static markup already contains <video>,
	// <audio>, or a known embedded-player iframe.
	HasMedia bool
	// ScriptDriven is true when the page looks like an SPA shell or
	// carries enough script that a player may be attached later. When
	// set, absence of static media proves nothing.
	ScriptDriven bool
	// Tags lists the media-bearing tags found, for logs.
	Tags []string
}

// WorthTab reports whether the watcher should open a tab for this page.
func (r *Result) WorthTab() bool {
	return r.HasMedia || r.ScriptDriven
}

// Prober performs the pre-flight GET.
type Prober struct {
	client *http.Client
	ua     string
	logger *slog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(p *Prober) { p.client = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// New creates a Prober with sensible defaults.
func New(opts ...Option) *Prober {
	p := &Prober{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; playpace/1.0)",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Probe GETs the URL and inspects the markup. The URL is validated first:
// only http/https, no private or loopback targets.
func (p *Prober) Probe(ctx context.Context, pageURL string) (*Result, error) {
	if err := ValidateURL(pageURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("probe: new request: %w", err)
	}
	req.Header.Set("User-Agent", p.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe: do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("probe: read body: %w", err)
	}

	res := Inspect(body)
	res.StatusCode = resp.StatusCode

	p.logger.Debug("probe: fetched",
		"url", pageURL, "status", resp.StatusCode,
		"has_media", res.HasMedia, "script_driven", res.ScriptDriven)
	return res, nil
}

// playerHosts are iframe src hosts that embed a controllable player.
var playerHosts = []string{
	"youtube.com", "youtube-nocookie.com", "player.vimeo.com",
	"dailymotion.com", "player.twitch.tv",
}

// Inspect parses HTML and classifies its media potential. Split out from
// Probe so it is testable without a server.
func Inspect(body []byte) *Result {
	res := &Result{}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		// Unparseable markup: let the browser decide.
		res.ScriptDriven = true
		return res
	}

	scriptBytes := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "video", "audio":
				res.HasMedia = true
				res.Tags = append(res.Tags, n.Data)
			case "iframe":
				if src := attr(n, "src"); embedsPlayer(src) {
					res.HasMedia = true
					res.Tags = append(res.Tags, "iframe")
				}
			case "script":
				if n.FirstChild != nil {
					scriptBytes += len(n.FirstChild.Data)
				}
				if attr(n, "src") != "" {
					scriptBytes += 1024 // external script, size unknown
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	// SPA shells ship nearly empty bodies and hydrate everything from
	// script; treat any script-heavy page as able to grow a player.
	if scriptBytes > 4096 {
		res.ScriptDriven = true
	}
	return res
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func embedsPlayer(src string) bool {
	src = strings.ToLower(src)
	for _, h := range playerHosts {
		if strings.Contains(src, h) {
			return true
		}
	}
	return false
}
