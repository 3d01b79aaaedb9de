// Package source provides JobSource implementations that feed candidate
// postings to session workers.
package source

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/mpetrov/autoapply/internal/apply"
)

// BoardConfig controls the scraping collector for one job board.
type BoardConfig struct {
	// BaseURL is the board root, e.g. "https://board.example.com". The
	// listing endpoint is assumed at /search.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// MaxPages caps how deep one criteria paginates. Zero means 10.
	MaxPages int
}

// Board scrapes a job board's listing pages with Colly and yields one job
// per Next call. Pagination is driven lazily: a new page is fetched only
// once the previous one is drained. Jobs already yielded for a criteria key
// are deduplicated, so overlapping pages do not produce duplicate
// applications.
type Board struct {
	cfg           BoardConfig
	baseCollector *colly.Collector

	mu      sync.Mutex
	cursors map[string]*boardCursor
}

type boardCursor struct {
	buffer []apply.Job
	page   int
	done   bool
	seen   map[string]struct{}
}

// NewBoard builds a Board source.
func NewBoard(cfg BoardConfig) (*Board, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("board base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse board base url: %w", err)
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Board{
		cfg:           cfg,
		baseCollector: c,
		cursors:       make(map[string]*boardCursor),
	}, nil
}

// Next returns the next unseen job for the criteria, fetching listing pages
// as needed. It returns ErrNoMoreJobs once pagination is exhausted.
func (b *Board) Next(ctx context.Context, criteria apply.SearchCriteria) (apply.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := criteria.Key()
	cur, ok := b.cursors[key]
	if !ok {
		cur = &boardCursor{seen: make(map[string]struct{})}
		b.cursors[key] = cur
	}

	for len(cur.buffer) == 0 && !cur.done {
		if cur.page >= b.cfg.MaxPages {
			cur.done = true
			break
		}
		cur.page++
		jobs, err := b.fetchPage(ctx, criteria, cur.page)
		if err != nil {
			cur.page--
			return apply.Job{}, err
		}
		if len(jobs) == 0 {
			cur.done = true
			break
		}
		for _, job := range jobs {
			if _, dup := cur.seen[job.ID]; dup {
				continue
			}
			cur.seen[job.ID] = struct{}{}
			cur.buffer = append(cur.buffer, job)
		}
	}

	if len(cur.buffer) == 0 {
		return apply.Job{}, apply.ErrNoMoreJobs
	}
	job := cur.buffer[0]
	cur.buffer = cur.buffer[1:]
	return job, nil
}

func (b *Board) fetchPage(ctx context.Context, criteria apply.SearchCriteria, page int) ([]apply.Job, error) {
	collector := b.baseCollector.Clone()
	if b.cfg.UserAgent != "" {
		collector.UserAgent = b.cfg.UserAgent
	}
	collector.SetRequestTimeout(b.cfg.Timeout)

	var (
		jobs     []apply.Job
		fetchErr error
	)
	collector.OnHTML(".job-card", func(e *colly.HTMLElement) {
		job := apply.Job{
			ID:          e.Attr("data-id"),
			Title:       strings.TrimSpace(e.ChildText(".job-title")),
			Company:     strings.TrimSpace(e.ChildText(".job-company")),
			URL:         e.Request.AbsoluteURL(e.ChildAttr("a", "href")),
			Description: strings.TrimSpace(e.ChildText(".job-description")),
		}
		if job.ID == "" {
			job.ID = job.URL
		}
		if job.URL == "" {
			return
		}
		jobs = append(jobs, job)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := b.visit(ctx, collector, b.searchURL(criteria, page)); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("board response failed: %w", fetchErr)
	}
	return jobs, nil
}

func (b *Board) visit(ctx context.Context, collector *colly.Collector, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("board fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("board visit failed: %w", err)
		}
		return nil
	}
}

func (b *Board) searchURL(criteria apply.SearchCriteria, page int) string {
	q := url.Values{}
	if len(criteria.Keywords) > 0 {
		q.Set("q", strings.Join(criteria.Keywords, " "))
	}
	if criteria.Location != "" {
		q.Set("location", criteria.Location)
	}
	if criteria.RemoteOnly {
		q.Set("remote", "1")
	}
	q.Set("page", strconv.Itoa(page))
	return strings.TrimRight(b.cfg.BaseURL, "/") + "/search?" + q.Encode()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
