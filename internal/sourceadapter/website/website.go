// Package website implements the Website Crawler: it discovers pages on the
// configured sites, extracts their visible text, and routes changed or new
// pages through the Ingestion Pipeline, skipping pages whose content hash
// and embeddings are already up to date.
package website

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/config"
	"github.com/knowledgebase/kbsubsystem/internal/ingest"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
	"github.com/knowledgebase/kbsubsystem/internal/syncjob"
	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

const defaultTimeout = 20 * time.Second

// combipharPagesAPI is the first-party page-listing endpoint enumerated
// instead of generic link-following, per the corporate site's structured
// contract (combiphar_websites setting, §6).
const combipharPagesAPI = "https://www.combiphar.com/back/api/v1/pages"

var combipharHosts = map[string]bool{"combiphar.com": true, "www.combiphar.com": true}

func isCombipharHost(host string) bool {
	return combipharHosts[strings.ToLower(host)]
}

type combipharPagesResponse struct {
	Data struct {
		Pages struct {
			Data []combipharPageEntry `json:"data"`
		} `json:"pages"`
	} `json:"data"`
}

type combipharPageEntry struct {
	Title             string                          `json:"title"`
	TranslatedLocales map[string]combipharTranslation `json:"translated_locales"`
}

type combipharTranslation struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

// Summary reports the outcome of one Run.
type Summary struct {
	Processed int
	Created   int
	Updated   int
	Skipped   int
	Errors    []string
}

// Adapter crawls configured sites, through the corporate page-listing API or
// by following same-host links on each site's home page, and ingests their
// pages. No sitemap is read.
type Adapter struct {
	pipeline    *ingest.Pipeline
	catalog     *catalog.Store
	vectors     *vectorindex.Store
	http        *http.Client
	cfg         config.WebsiteConfig
	logger      zerolog.Logger
	pagesAPIURL string // overridable in tests; defaults to combipharPagesAPI
}

// New constructs an Adapter from its collaborators and config.WebsiteConfig.
func New(pipeline *ingest.Pipeline, cat *catalog.Store, vectors *vectorindex.Store, cfg config.WebsiteConfig) *Adapter {
	return &Adapter{
		pipeline:    pipeline,
		catalog:     cat,
		vectors:     vectors,
		http:        &http.Client{Timeout: defaultTimeout},
		cfg:         cfg,
		logger:      observability.Logger("sourceadapter.website"),
		pagesAPIURL: combipharPagesAPI,
	}
}

type page struct {
	url     string
	title   string
	content string
}

// Run crawls every configured site and ingests new or changed pages.
func (a *Adapter) Run(ctx context.Context, log *syncjob.Logger) (Summary, error) {
	var summary Summary

	sites := a.cfg.Sites
	limit := a.cfg.MaxPagesPerSite
	if limit <= 0 {
		limit = 200
	}

	for _, site := range sites {
		site = strings.TrimSpace(site)
		if site == "" {
			continue
		}
		if !strings.Contains(site, "://") {
			site = "https://" + site
		}

		pages, err := a.discoverPages(ctx, site, limit)
		if err != nil {
			a.logger.Warn().Err(err).Str("site", site).Msg("page discovery failed")
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", site, err))
			continue
		}
		a.logger.Info().Str("site", site).Int("count", len(pages)).Msg("discovered candidate pages")

		for _, pg := range pages {
			a.processPage(ctx, pg, &summary, log)
		}
	}

	return summary, nil
}

// discoverPages enumerates the pages to ingest for site. The first-party
// corporate site is walked through its structured page-listing API
// (discoverCombipharPages); every other configured host falls back to
// fetching the home page and following same-host links found on it, up to
// limit pages (including the home page itself).
func (a *Adapter) discoverPages(ctx context.Context, site string, limit int) ([]page, error) {
	base, err := url.Parse(site)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.BadInput, err, "parsing site url %s", site)
	}

	if isCombipharHost(base.Host) {
		return a.discoverCombipharPages(ctx, base, limit)
	}

	home, err := a.fetchPage(ctx, site)
	if err != nil {
		return nil, err
	}

	pages := []page{*home}
	seen := map[string]bool{site: true}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(home.content))
	if err == nil {
		doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if len(pages) >= limit {
				return false
			}
			href, _ := sel.Attr("href")
			resolved := resolveLink(base, href)
			if resolved == "" || seen[resolved] {
				return true
			}
			seen[resolved] = true

			pg, err := a.fetchPage(ctx, resolved)
			if err != nil {
				a.logger.Warn().Err(err).Str("url", resolved).Msg("fetching discovered link")
				return true
			}
			pages = append(pages, *pg)
			return true
		})
	}

	return pages, nil
}

// discoverCombipharPages enumerates pages via the corporate site's
// back/api/v1/pages listing, walking every entry's translated_locales map
// (locale -> {slug, title}) to build each locale's page URL, then fetches
// each one for its visible content.
func (a *Adapter) discoverCombipharPages(ctx context.Context, base *url.URL, limit int) ([]page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.pagesAPIURL, nil)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Upstream, err, "building request for %s", a.pagesAPIURL)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Upstream, err, "fetching %s", a.pagesAPIURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, kberrors.New(kberrors.Upstream, "fetching %s returned status %d", a.pagesAPIURL, resp.StatusCode)
	}

	var payload combipharPagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, kberrors.Wrap(kberrors.Upstream, err, "decoding combiphar page list")
	}

	scheme := base.Scheme
	if scheme == "" {
		scheme = "https"
	}
	basePrefix := fmt.Sprintf("%s://%s/", scheme, strings.Trim(base.Host, "/"))

	var pages []page
	seen := map[string]bool{}
	for _, entry := range payload.Data.Pages.Data {
		if len(pages) >= limit {
			break
		}
		for locale, translation := range entry.TranslatedLocales {
			if len(pages) >= limit {
				break
			}
			if translation.Slug == "" {
				continue
			}

			title := translation.Title
			if title == "" {
				title = entry.Title
			}
			if title == "" {
				title = "Combiphar Page"
			}

			path := strings.TrimPrefix(translation.Slug, "/")
			if localeCode := strings.ToLower(strings.TrimSpace(locale)); localeCode != "" {
				path = localeCode + "/" + path
			}
			pageURL := basePrefix + path
			if seen[pageURL] {
				continue
			}
			seen[pageURL] = true

			pg, err := a.fetchPage(ctx, pageURL)
			if err != nil {
				a.logger.Warn().Err(err).Str("url", pageURL).Msg("fetching combiphar page")
				continue
			}
			if pg.title == "" {
				pg.title = title
			}
			pages = append(pages, *pg)
		}
	}

	return pages, nil
}

// fetchPage downloads a page and extracts its title and visible text.
func (a *Adapter) fetchPage(ctx context.Context, pageURL string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Upstream, err, "building request for %s", pageURL)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Upstream, err, "fetching %s", pageURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, kberrors.New(kberrors.Upstream, "fetching %s returned status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Upstream, err, "parsing html from %s", pageURL)
	}

	doc.Find("script, style, noscript").Remove()
	title := strings.TrimSpace(doc.Find("title").First().Text())
	content := strings.TrimSpace(collapseWhitespace(doc.Find("body").Text()))

	return &page{url: pageURL, title: title, content: content}, nil
}

func (a *Adapter) processPage(ctx context.Context, pg page, summary *Summary, log *syncjob.Logger) {
	if pg.content == "" {
		summary.Skipped++
		return
	}

	hash := sha256.Sum256([]byte(pg.content))
	contentHash := hex.EncodeToString(hash[:])

	logResult := func(status, errMsg string, fileSize int64, meta map[string]any) {
		if log == nil {
			return
		}
		log.LogItem(ctx, syncjob.ItemResult{
			ItemType:      syncjob.ItemWebsite,
			ItemURL:       pg.url,
			DocumentTitle: pg.title,
			Status:        status,
			ErrorMessage:  errMsg,
			FileSize:      fileSize,
			Metadata:      meta,
		})
	}

	existing, err := a.catalog.GetByURL(ctx, pg.url)
	wasUpdate := false
	if err == nil {
		prevHash, _ := existing.Metadata["content_hash"].(string)
		vectorCount, vecErr := a.vectors.CountByDocument(ctx, existing.ID)
		if vecErr != nil {
			a.logger.Warn().Err(vecErr).Str("document_id", existing.ID.String()).Msg("checking existing vectors")
		}
		if prevHash == contentHash && vectorCount > 0 {
			summary.Skipped++
			return
		}
		wasUpdate = true
		if err := a.pipeline.Remove(ctx, existing); err != nil {
			a.logger.Warn().Err(err).Str("document_id", existing.ID.String()).Msg("removing stale website document")
		}
	} else if !kberrors.IsKind(err, kberrors.NotFound) {
		a.logger.Warn().Err(err).Str("url", pg.url).Msg("looking up existing website document")
	}

	slug := slugify(pg.url)
	filename := slug + ".txt"

	result, err := a.pipeline.Ingest(ctx, ingest.Input{
		SourceType:       catalog.SourceWebsite,
		OriginalFilename: filename,
		MimeType:         "text/plain",
		SourceURL:        pg.url,
		Metadata: map[string]any{
			"title":         pg.title,
			"content_hash":  contentHash,
			"last_fetched":  time.Now().UTC().Format(time.RFC3339),
		},
		Content: strings.NewReader(pg.content),
	})
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", pg.url, err))
		logResult("failed", err.Error(), int64(len(pg.content)), map[string]any{"stage": "ingest"})
		return
	}

	summary.Processed++
	if wasUpdate {
		summary.Updated++
	} else {
		summary.Created++
	}
	logResult("success", "", int64(len(pg.content)), map[string]any{
		"document_id": result.DocumentID.String(),
		"chunk_count": result.ChunkCount,
		"was_update":  wasUpdate,
	})
}

// resolveLink resolves href against base, keeping only same-host http(s)
// links and stripping fragments.
func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
		return ""
	}
	resolved, err := base.Parse(href)
	if err != nil {
		return ""
	}
	if resolved.Host != base.Host {
		return ""
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func slugify(raw string) string {
	u, err := url.Parse(raw)
	var source string
	if err == nil {
		source = u.Host + u.Path
	} else {
		source = raw
	}
	source = strings.ToLower(strings.TrimSpace(source))

	var b strings.Builder
	lastUnderscore := false
	for _, r := range source {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		slug = "page"
	}
	if len(slug) > 120 {
		slug = slug[:120]
	}
	return slug
}
