package website

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/knowledgebase/kbsubsystem/internal/config"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"https://example.com/id/about-us": "example_com_id_about_us",
		"https://example.com/":            "example_com",
		"not a url at all !!!":            "not_a_url_at_all",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlugifyTruncatesLongInput(t *testing.T) {
	got := slugify("https://example.com/" + repeat("a", 200))
	if len(got) > 120 {
		t.Errorf("slugify result too long: %d chars", len(got))
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestResolveLink(t *testing.T) {
	base, _ := url.Parse("https://example.com/id/home")

	cases := []struct {
		href string
		want string
	}{
		{"/id/about", "https://example.com/id/about"},
		{"#section", ""},
		{"mailto:a@b.com", ""},
		{"https://other.com/page", ""},
		{"https://example.com/id/contact#top", "https://example.com/id/contact"},
	}
	for _, c := range cases {
		if got := resolveLink(base, c.href); got != c.want {
			t.Errorf("resolveLink(%q) = %q, want %q", c.href, got, c.want)
		}
	}
}

func TestCollapseWhitespace(t *testing.T) {
	got := collapseWhitespace("  hello \n\n  world\t\t!  ")
	if got != "hello world !" {
		t.Errorf("collapseWhitespace = %q", got)
	}
}

func TestIsCombipharHost(t *testing.T) {
	cases := map[string]bool{
		"www.combiphar.com": true,
		"combiphar.com":     true,
		"WWW.COMBIPHAR.COM": true,
		"example.com":       false,
		"notcombiphar.com":  false,
	}
	for host, want := range cases {
		if got := isCombipharHost(host); got != want {
			t.Errorf("isCombipharHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestDiscoverCombipharPagesEnumeratesTranslatedLocales(t *testing.T) {
	var pagesAPIHits, pageFetchHits int

	mux := http.NewServeMux()
	mux.HandleFunc("/back/api/v1/pages", func(w http.ResponseWriter, r *http.Request) {
		pagesAPIHits++
		w.Write([]byte(`{
			"data": {
				"pages": {
					"data": [
						{
							"title": "About",
							"translated_locales": {
								"id": {"slug": "tentang-kami", "title": "Tentang Kami"},
								"en": {"slug": "about-us", "title": "About Us"}
							}
						}
					]
				}
			}
		}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		pageFetchHits++
		w.Write([]byte(`<html><head><title>Page</title></head><body><p>Content</p></body></html>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := New(nil, nil, nil, config.WebsiteConfig{})
	a.pagesAPIURL = server.URL + "/back/api/v1/pages"

	base, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing server url: %v", err)
	}

	pages, err := a.discoverCombipharPages(context.Background(), base, 10)
	if err != nil {
		t.Fatalf("discoverCombipharPages: %v", err)
	}
	if pagesAPIHits != 1 {
		t.Errorf("pages API hit %d times, want 1", pagesAPIHits)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2 (one per locale)", len(pages))
	}
	if pageFetchHits != 2 {
		t.Errorf("page content fetched %d times, want 2", pageFetchHits)
	}

	urls := map[string]bool{}
	for _, pg := range pages {
		urls[pg.url] = true
	}
	if !urls[server.URL+"/id/tentang-kami"] {
		t.Errorf("missing id locale page, got urls %v", urls)
	}
	if !urls[server.URL+"/en/about-us"] {
		t.Errorf("missing en locale page, got urls %v", urls)
	}
}

func TestDiscoverCombipharPagesRespectsLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/back/api/v1/pages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"data": {
				"pages": {
					"data": [
						{"title": "A", "translated_locales": {"id": {"slug": "a"}, "en": {"slug": "a-en"}}},
						{"title": "B", "translated_locales": {"id": {"slug": "b"}, "en": {"slug": "b-en"}}}
					]
				}
			}
		}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>x</body></html>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := New(nil, nil, nil, config.WebsiteConfig{})
	a.pagesAPIURL = server.URL + "/back/api/v1/pages"
	base, _ := url.Parse(server.URL)

	pages, err := a.discoverCombipharPages(context.Background(), base, 1)
	if err != nil {
		t.Fatalf("discoverCombipharPages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1 (limit enforced)", len(pages))
	}
}

func TestFetchPageExtractsTitleAndBodyText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Hi</title><style>.x{}</style></head><body><script>evil()</script><h1>Hello</h1> <p>World</p></body></html>`))
	}))
	defer server.Close()

	a := New(nil, nil, nil, config.WebsiteConfig{})
	pg, err := a.fetchPage(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("fetchPage: %v", err)
	}
	if pg.title != "Hi" {
		t.Errorf("title = %q", pg.title)
	}
	if pg.content != "Hello World" {
		t.Errorf("content = %q", pg.content)
	}
}
