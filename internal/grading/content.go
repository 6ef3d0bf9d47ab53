package grading

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Like reports whether source matches pattern, where '%' matches any run of
// characters and everything else is literal. The match is unanchored.
func Like(source, pattern string) bool {
	parts := strings.Split(pattern, "%")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile(strings.Join(parts, ".*"))
	if err != nil {
		return false
	}
	return re.MatchString(source)
}

// Fetcher returns the plain text of a submitted document.
type Fetcher interface {
	Fetch(ctx context.Context, link string) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, link string) (string, error)

func (f FetcherFunc) Fetch(ctx context.Context, link string) (string, error) { return f(ctx, link) }

// HTTPFetcher downloads submissions over HTTP(S).
type HTTPFetcher struct {
	client  *retryablehttp.Client
	maxSize int64
}

// NewHTTPFetcher returns a fetcher that gives up after timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = timeout
	c.RetryMax = 2
	c.Logger = nil
	return &HTTPFetcher{client: c, maxSize: 4 << 20}
}

// Fetch returns the response body as text. Missing documents are
// non-retryable.
func (f *HTTPFetcher) Fetch(ctx context.Context, link string) (string, error) {
	if link == "" {
		return "", queue.NonRetryablef("submission link is empty")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", queue.NonRetryable(fmt.Errorf("submission link %q: %w", link, err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch submission: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return "", queue.NonRetryablef("submission %s: status %d", link, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("fetch submission %s: status %d", link, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize))
	if err != nil {
		return "", fmt.Errorf("read submission: %w", err)
	}
	return string(body), nil
}

// Sections splits a markdown-like document into header/content pairs.
// Every line starting with '#' opens a section; text before the first
// header is dropped.
func Sections(content string) []models.QuestionAndAnswer {
	var (
		out     []models.QuestionAndAnswer
		current *models.QuestionAndAnswer
		body    strings.Builder
	)
	flush := func() {
		if current != nil {
			current.Answer = strings.TrimSpace(body.String())
			out = append(out, *current)
		}
		body.Reset()
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			flush()
			current = &models.QuestionAndAnswer{Question: strings.TrimSpace(strings.TrimLeft(line, "#"))}
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return out
}

// matching returns the entries whose question matches pattern; an empty
// pattern keeps every entry.
func matching(entries []models.QuestionAndAnswer, pattern string) []models.QuestionAndAnswer {
	if pattern == "" {
		return entries
	}
	var out []models.QuestionAndAnswer
	for _, e := range entries {
		if Like(e.Question, pattern) {
			out = append(out, e)
		}
	}
	return out
}
