// Package probe inspects image URLs without downloading them in full.
package probe

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-images/internal/dimension"
	"github.com/sells-group/listing-images/internal/fetcher"
	"github.com/sells-group/listing-images/internal/model"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultTimeout    = 8 * time.Second
	DefaultRangeBytes = 16 * 1024
)

// Options configures a Prober.
type Options struct {
	// Timeout bounds each request independently.
	Timeout time.Duration
	// RangeBytes is how much of the body is read for dimension parsing.
	RangeBytes int64
}

// Prober turns a URL into a ProbeResult.
type Prober struct {
	fetcher fetcher.Fetcher
	opts    Options
}

// New creates a Prober that issues requests through f.
func New(f fetcher.Fetcher, opts Options) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RangeBytes <= 0 {
		opts.RangeBytes = DefaultRangeBytes
	}
	return &Prober{fetcher: f, opts: opts}
}

// Probe inspects one URL. Network failures are never returned as errors: an
// unreachable URL yields an inaccessible result with every other field unset.
func (p *Prober) Probe(ctx context.Context, url string) model.ProbeResult {
	log := zap.L().With(zap.String("url", url))

	headCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	head, err := p.fetcher.Head(headCtx, url)
	cancel()
	if err != nil {
		log.Debug("probe: head failed", zap.Error(err))
		return model.Inaccessible(url)
	}
	if head.StatusCode < 200 || head.StatusCode >= 400 {
		log.Debug("probe: inaccessible status", zap.Int("status", head.StatusCode))
		return model.Inaccessible(url)
	}

	res := model.ProbeResult{URL: url, IsAccessible: true}
	if head.ContentType != "" {
		ct := head.ContentType
		res.ContentType = &ct
	}
	if head.ContentLength >= 0 {
		n := head.ContentLength
		res.FileSizeBytes = &n
	}

	if !strings.HasPrefix(strings.ToLower(head.ContentType), "image/") {
		return res
	}

	getCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	prefix, err := p.fetcher.GetPrefix(getCtx, url, p.opts.RangeBytes)
	if err != nil {
		log.Debug("probe: range request failed", zap.Error(err))
		return res
	}
	if size, ok := dimension.Parse(prefix.Body); ok {
		w, h := size.Width, size.Height
		res.Width = &w
		res.Height = &h
	}
	return res
}
