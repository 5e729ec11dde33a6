package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/knowledgebase/kbsubsystem/internal/config"
)

func TestNormalizeFilename(t *testing.T) {
	cases := map[string]string{
		"  My File.pdf ": "My_File.pdf",
		"a/b\\c.docx":    "a_b_c.docx",
		"plain.txt":      "plain.txt",
	}
	for in, want := range cases {
		if got := normalizeFilename(in); got != want {
			t.Errorf("normalizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestListItemAccessors(t *testing.T) {
	item := listItem{"Title": "Doc", "IsPublished": true, "Id": float64(7)}
	if item.str("Missing", "Title") != "Doc" {
		t.Errorf("str fallback failed")
	}
	if !item.boolean("IsPublished") {
		t.Error("expected IsPublished true")
	}
	if item.boolean("Missing") {
		t.Error("expected missing bool key to default false")
	}
}

func TestFetchDocumentListHandlesDataEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"Title": "A", "FileName": "a.pdf", "IsPublished": true},
			},
		})
	}))
	defer server.Close()

	a := New(nil, nil, nil, nil, config.PortalConfig{
		BaseURL:         server.URL,
		ListEndpoint:    "/list",
		DownloadTimeout: 5 * time.Second,
		MaxRetries:      1,
	})

	items, err := a.fetchDocumentList(context.Background())
	if err != nil {
		t.Fatalf("fetchDocumentList: %v", err)
	}
	if len(items) != 1 || items[0].str("FileName") != "a.pdf" {
		t.Errorf("items = %+v", items)
	}
}

func TestFetchDocumentListHandlesBareArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"Title": "B", "FileName": "b.pdf", "IsPublished": false},
		})
	}))
	defer server.Close()

	a := New(nil, nil, nil, nil, config.PortalConfig{BaseURL: server.URL, ListEndpoint: "/list", DownloadTimeout: 5 * time.Second})

	items, err := a.fetchDocumentList(context.Background())
	if err != nil {
		t.Fatalf("fetchDocumentList: %v", err)
	}
	if len(items) != 1 || items[0].boolean("IsPublished") {
		t.Errorf("items = %+v", items)
	}
}

func TestFetchDocumentListUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	a := New(nil, nil, nil, nil, config.PortalConfig{BaseURL: server.URL, ListEndpoint: "/list", DownloadTimeout: 5 * time.Second})

	if _, err := a.fetchDocumentList(context.Background()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
