package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(opts Options) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "test-agent"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.PerHostRate == 0 {
		opts.PerHostRate = 100
		opts.PerHostBurst = 100
	}
	return New(opts)
}

func TestFetchHTMLPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body>
			<h1>Digitalisierungszuschuss</h1>
			<a href="/programme/zuschuss-1">Zuschuss</a>
			<a href="/programme/zuschuss-1#details">Anchor dup</a>
			<a href="https://elsewhere.example.com/x">Offsite</a>
			<a href="mailto:info@example.com">Mail</a>
		</body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{})
	page, err := f.Fetch(context.Background(), srv.URL+"/programme")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.Body, "Digitalisierungszuschuss")
	assert.Equal(t, []string{srv.URL + "/programme/zuschuss-1"}, page.Links)
	assert.False(t, page.FetchedAt.IsZero())
}

func TestFetchCapsBodySize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxBodyBytes: 1024})
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, page.Body, 1024)
}

func TestFetchSkipsNonHTMLBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{})
	page, err := f.Fetch(context.Background(), srv.URL+"/merkblatt.pdf")
	require.NoError(t, err)
	assert.Empty(t, page.Body)
	assert.Empty(t, page.Links)
	assert.Equal(t, "application/pdf", page.ContentType)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxRetries: 3})
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, page.Body, "ok")
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxRetries: 2})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestFetchNotFoundIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxRetries: 3})
	_, err := f.Fetch(context.Background(), srv.URL+"/gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchRejectsUnsupportedScheme(t *testing.T) {
	f := newTestFetcher(Options{})
	_, err := f.Fetch(context.Background(), "ftp://example.com/file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestExtractLinksResolvesRelative(t *testing.T) {
	html := `<html><body>
		<a href="antrag">Antrag</a>
		<a href="/foerderung/kredit/">Kredit</a>
		<a href="javascript:void(0)">Noise</a>
	</body></html>`

	links, err := ExtractLinks(html, "https://www.kfw.de/programme/uebersicht")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.kfw.de/programme/antrag",
		"https://www.kfw.de/foerderung/kredit",
	}, links)
}

func TestExtractLinksInvalidBase(t *testing.T) {
	_, err := ExtractLinks("<html></html>", "not-a-url")
	require.Error(t, err)
}
