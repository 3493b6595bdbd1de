// Package article implements the extractor contract for plain web articles:
// fetch with colly, select the main content with goquery, and convert it to
// markdown. Video and forum extractors live outside this repository and
// register against the same contract.
package article

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"magpie/engine/models"
	"magpie/engine/scraper"
)

const defaultTimeout = 30 * time.Second

// contentSelectors are tried in order; the first non-trivial match wins.
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	"#content",
	".post-content",
	".article-content",
	".entry-content",
}

// Extractor fetches one article per Extract call.
type Extractor struct {
	progress  scraper.ProgressFunc
	cancelled scraper.CancelCheck
	collector *colly.Collector
}

// New builds an article extractor; it satisfies scraper.Constructor.
func New(opts scraper.Options) (scraper.Extractor, error) {
	timeout := defaultTimeout
	if v, ok := opts.Config["timeout"].(time.Duration); ok && v > 0 {
		timeout = v
	}

	c := colly.NewCollector(colly.MaxDepth(1))
	c.SetRequestTimeout(timeout)
	if ua, ok := opts.Config["user_agent"].(string); ok && ua != "" {
		c.UserAgent = ua
	}

	return &Extractor{
		progress:  opts.Progress,
		cancelled: opts.Cancel,
		collector: c,
	}, nil
}

// ValidateURL accepts absolute http(s) URLs.
func (e *Extractor) ValidateURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Close releases nothing today; the collector holds no persistent
// resources.
func (e *Extractor) Close() error { return nil }

// Extract fetches the article and returns its markdown body. Failures are
// reported through Result.Success=false rather than an error.
func (e *Extractor) Extract(rawURL, batchID, linkID string) (*models.Result, error) {
	fail := func(msg string) (*models.Result, error) {
		return &models.Result{
			Success: false,
			URL:     rawURL,
			LinkID:  linkID,
			BatchID: batchID,
			Error:   msg,
			Source:  string(models.ScraperArticle),
		}, nil
	}

	if !e.ValidateURL(rawURL) {
		return fail("invalid article URL: " + rawURL)
	}
	if e.isCancelled() {
		return fail(models.ErrCancelled.Error())
	}

	e.report("loading", 10, "Loading article")

	var body []byte
	var status int
	clone := e.collector.Clone()
	clone.OnResponse(func(r *colly.Response) {
		body = r.Body
		status = r.StatusCode
	})
	if err := clone.Visit(rawURL); err != nil {
		return fail(fmt.Sprintf("fetch failed: %v", err))
	}
	clone.Wait()
	if len(body) == 0 {
		return fail(fmt.Sprintf("empty response (status %d)", status))
	}

	e.report("loading", 30, "Article loaded")
	if e.isCancelled() {
		return fail(models.ErrCancelled.Error())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Sprintf("parse failed: %v", err))
	}

	e.report("extracting", 60, "Extracting metadata")
	title := metaContent(doc, `meta[property="og:title"]`)
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	author := metaContent(doc, `meta[name="author"]`)
	publishDate := metaContent(doc, `meta[property="article:published_time"]`)
	language, _ := doc.Find("html").Attr("lang")

	e.report("extracting", 70, "Extracting article content")
	content := selectContent(doc)
	if content == nil {
		return fail("main content not found on page")
	}
	content.Find("script, style, nav, header, footer, aside, form").Remove()
	htmlBody, err := goquery.OuterHtml(content)
	if err != nil {
		return fail(fmt.Sprintf("serialize content: %v", err))
	}

	markdown, err := htmltomarkdown.ConvertString(htmlBody)
	if err != nil {
		return fail(fmt.Sprintf("markdown conversion failed: %v", err))
	}
	markdown = strings.TrimSpace(markdown)
	wordCount := len(strings.Fields(markdown))
	if wordCount == 0 {
		return fail("main content not found on page")
	}

	e.report("extracting", 100, fmt.Sprintf("Extracted %d words", wordCount))

	return &models.Result{
		Success:     true,
		URL:         rawURL,
		LinkID:      linkID,
		BatchID:     batchID,
		Content:     markdown,
		WordCount:   wordCount,
		Title:       title,
		Author:      author,
		PublishDate: publishDate,
		Language:    language,
		Source:      string(models.ScraperArticle),
	}, nil
}

func (e *Extractor) report(stage string, progress float64, message string) {
	if e.progress == nil {
		return
	}
	e.progress(scraper.ProgressUpdate{
		Stage:    stage,
		Progress: progress,
		Message:  message,
		Scraper:  string(models.ScraperArticle),
	})
}

func (e *Extractor) isCancelled() bool {
	return e.cancelled != nil && e.cancelled()
}

func selectContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentSelectors {
		found := doc.Find(sel).First()
		if found.Length() > 0 && len(strings.Fields(found.Text())) >= 20 {
			return found
		}
	}
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return nil
	}
	return body
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}
