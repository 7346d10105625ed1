package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"shutter/internal/platform/ids"
	"shutter/internal/services/jobs/domain"
)

// maxFetchBytes caps what the fetch engine will buffer for one page
const maxFetchBytes = 32 << 20 // 32 MiB

// FetchBrowser is the built-in engine: a plain HTTP fetch of the target
// page. It exists so the substrate runs end to end without an external
// rendering process; real deployments swap in a headless engine through
// the same Factory seam.
type FetchBrowser struct {
	id     string
	client *http.Client
	broken atomic.Bool
}

// NewFetchFactory returns a Factory producing FetchBrowsers
func NewFetchFactory(timeout time.Duration) Factory {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(context.Context) (Browser, error) {
		return &FetchBrowser{
			id: ids.NewWorkerID("fetch"),
			client: &http.Client{
				Timeout: timeout,
			},
		}, nil
	}
}

// ID identifies the instance in logs
func (b *FetchBrowser) ID() string { return b.id }

// Render fetches the page and returns its bytes as the artifact
func (b *FetchBrowser) Render(ctx context.Context, req domain.ScreenshotRequest) (*Result, error) {
	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, Errf(KindInvalidURL, "unfetchable url %q", req.URL)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, WrapErr(KindInternal, err, "build request")
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, classifyFetchErr(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 500 {
		return nil, Errf(KindNetwork, "upstream status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, Errf(KindContent, "upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		b.broken.Store(true)
		return nil, classifyFetchErr(err)
	}

	return &Result{
		Body:        body,
		ContentType: ContentTypeFor(req.Format),
		Meta: domain.ResultMetadata{
			PageTitle:  pageTitle(body),
			FinalURL:   resp.Request.URL.String(),
			ByteSize:   int64(len(body)),
			LoadTimeMs: time.Since(start).Milliseconds(),
		},
	}, nil
}

// Healthy reports whether the instance can take more work
func (b *FetchBrowser) Healthy() bool { return !b.broken.Load() }

// Close releases the instance
func (b *FetchBrowser) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// classifyFetchErr maps transport failures onto the render error taxonomy
func classifyFetchErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapErr(KindTimeout, err, "fetch deadline exceeded")
	case isTimeout(err):
		return WrapErr(KindTimeout, err, "fetch timed out")
	case isNetErr(err):
		return WrapErr(KindNetwork, err, "fetch failed")
	default:
		return WrapErr(KindInternal, err, "fetch failed")
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetErr(err error) bool {
	var oe *net.OpError
	var de *net.DNSError
	return errors.As(err, &oe) || errors.As(err, &de)
}

// pageTitle pulls the <title> text out of an HTML body, best effort
func pageTitle(body []byte) string {
	s := string(body)
	lower := strings.ToLower(s)
	start := strings.Index(lower, "<title")
	if start < 0 {
		return ""
	}
	open := strings.Index(lower[start:], ">")
	if open < 0 {
		return ""
	}
	rest := s[start+open+1:]
	end := strings.Index(strings.ToLower(rest), "</title>")
	if end < 0 {
		return ""
	}
	title := strings.TrimSpace(rest[:end])
	if len(title) > 256 {
		title = title[:256]
	}
	return title
}

// EchoAnalyzer is the built-in Analyzer used when no model backend is
// configured: it reports what it saw rather than an actual answer
type EchoAnalyzer struct{}

// Analyze summarizes the fetched page without consulting a model
func (EchoAnalyzer) Analyze(_ context.Context, req domain.ScreenshotRequest, shot *Result) (string, error) {
	if shot == nil {
		return "", Errf(KindInternal, "nothing rendered")
	}
	return fmt.Sprintf("prompt %q against %s (%d bytes, title %q)",
		req.Prompt, shot.Meta.FinalURL, shot.Meta.ByteSize, shot.Meta.PageTitle), nil
}
