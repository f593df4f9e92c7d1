package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/regtruth/regtruth/pkg/canonical"
	"github.com/regtruth/regtruth/pkg/kv"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/store"
	"github.com/regtruth/regtruth/pkg/textnorm"
)

const (
	fetchTimeout = 30 * time.Second
	// maxBodySize caps a single fetch; regulatory documents are small and
	// a runaway body should not exhaust memory.
	maxBodySize = 32 << 20

	// validatorTTL bounds how long cached ETag/Last-Modified validators
	// live in the KV.
	validatorTTL = 14 * 24 * time.Hour
)

var (
	// ErrNotModified is returned when the source answered 304 to a
	// conditional request.
	ErrNotModified = errors.New("ingest: content not modified")
	// ErrRateLimited marks a 429 from the source so the queue applies
	// the long backoff base.
	ErrRateLimited = errors.New("ingest: rate limited")
)

// cachedValidators are the conditional-request headers remembered per URL.
type cachedValidators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// FetchResult reports what one fetch produced.
type FetchResult struct {
	Evidence   *model.Evidence
	Created    bool
	NotChanged bool
}

// Fetcher performs rate-limited conditional fetches of registered sources
// and writes Evidence. One limiter per source slug keeps a misbehaving
// source from starving the rest.
type Fetcher struct {
	store  *store.Store
	cache  kv.Store
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// perSourceRate is requests per second allowed against one source.
	perSourceRate rate.Limit
}

func NewFetcher(st *store.Store, cache kv.Store, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		store:         st,
		cache:         cache,
		http:          &http.Client{Timeout: fetchTimeout},
		logger:        logger.With("component", "fetcher"),
		limiters:      make(map[string]*rate.Limiter),
		perSourceRate: rate.Limit(0.5),
	}
}

func (f *Fetcher) limiter(slug string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[slug]
	if !ok {
		l = rate.NewLimiter(f.perSourceRate, 1)
		f.limiters[slug] = l
	}
	return l
}

// Fetch retrieves one URL for a source and persists the snapshot. An
// identical re-fetch (by content hash) returns the existing Evidence with
// Created=false; a 304 returns NotChanged without touching the store.
func (f *Fetcher) Fetch(ctx context.Context, src *model.Source, url string) (*FetchResult, error) {
	if err := f.limiter(src.Slug).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", "regtruth-fetcher/1.0")
	f.applyValidators(ctx, url, req)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest: fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		f.logger.Debug("not modified", "source", src.Slug, "url", url)
		return &FetchResult{NotChanged: true}, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("ingest: fetch %s returned 429: %w", url, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ingest: fetch %s returned %d", url, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("ingest: read body of %s: %w", url, err)
	}
	f.rememberValidators(ctx, url, resp)

	contentType, contentClass := Sniff(raw, resp.Header.Get("Content-Type"), url)
	ev := &model.Evidence{
		SourceID:     src.ID,
		URL:          url,
		ContentType:  contentType,
		ContentClass: contentClass,
		RawBytes:     raw,
		ContentHash:  canonical.EvidenceHash(raw, contentType),
	}
	if contentClass == model.ClassHTML {
		ev.CleanedText = textnorm.Clean(string(raw), url)
	}

	stored, created, err := f.store.Evidence.Insert(ctx, ev)
	if err != nil {
		return nil, err
	}
	f.logger.Info("fetched",
		"source", src.Slug, "url", url, "content_class", contentClass,
		"bytes", len(raw), "created", created, "needs_ocr", NeedsOCR(contentClass))
	return &FetchResult{Evidence: stored, Created: created}, nil
}

func validatorKey(url string) string { return "fetch-validators:" + url }

func (f *Fetcher) applyValidators(ctx context.Context, url string, req *http.Request) {
	if f.cache == nil {
		return
	}
	raw, err := f.cache.Get(ctx, validatorKey(url))
	if err != nil {
		return
	}
	var v cachedValidators
	if json.Unmarshal(raw, &v) != nil {
		return
	}
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}
}

func (f *Fetcher) rememberValidators(ctx context.Context, url string, resp *http.Response) {
	if f.cache == nil {
		return
	}
	v := cachedValidators{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if v.ETag == "" && v.LastModified == "" {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, validatorKey(url), raw, validatorTTL); err != nil {
		f.logger.Warn("caching validators failed", "url", url, "error", err)
	}
}

// FetchSource fetches the source's registered URL.
func (f *Fetcher) FetchSource(ctx context.Context, src *model.Source) (*FetchResult, error) {
	return f.Fetch(ctx, src, src.URL)
}
