package courtscraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/fetcher"
	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/resilience"
	"github.com/sells-group/jurishealth/internal/source"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const page1 = `<html><body>
<table class="resultados">
<thead><tr><th>Processo</th></tr></thead>
<tbody>
<tr class="processo" data-ref="tjmg-1">
  <td class="numero">5001234-56.2024.8.13.0024</td>
  <td class="orgao">TJMG - 3ª Vara de Fazenda Pública</td>
  <td class="comarca">Comarca de Belo Horizonte</td>
  <td class="distribuicao">15/01/2024</td>
  <td class="assunto">Fornecimento de medicamentos - Oncológico</td>
  <td class="valor">R$ 45.000,00</td>
</tr>
<tr class="processo">
  <td class="numero"></td>
  <td class="orgao">TJMG</td>
  <td class="assunto">Internação</td>
</tr>
<tr class="processo" data-ref="tjmg-3">
  <td class="numero">5009999-11.2024.8.13.0024</td>
  <td class="orgao">TJMG</td>
  <td class="assunto">Execução fiscal</td>
</tr>
</tbody>
</table>
<a rel="next" href="?pagina=2&dataInicial=14/01/2024&dataFinal=15/01/2024">Próxima</a>
</body></html>`

const page2 = `<html><body>
<table class="resultados"><tbody>
<tr class="processo">
  <td class="numero">1002003-00.2024.8.13.0702</td>
  <td class="orgao">TJMG</td>
  <td class="comarca">Uberlândia</td>
  <td class="assunto">Cirurgia bariátrica</td>
</tr>
</tbody></table>
</body></html>`

func fixedNow() time.Time {
	return time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
}

func newTestClient(srvURL string, attempts int, keywords []string) *Client {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Name:  "court_scraper",
		Retry: resilience.Policy{MaxAttempts: attempts, Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() }},
	})
	return New(Options{
		BaseURL:     srvURL,
		ListingPath: "/consulta",
		DaysBack:    1,
		Keywords:    keywords,
		Renderer:    NewHTTPRenderer(f),
		Now:         fixedNow,
	})
}

func listingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/consulta", r.URL.Path)
		switch r.URL.Query().Get("pagina") {
		case "1":
			w.Write([]byte(page1)) //nolint:errcheck
		case "2":
			w.Write([]byte(page2)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchPage_FirstPage(t *testing.T) {
	srv := listingServer(t)
	c := newTestClient(srv.URL, 3, nil)

	page, err := c.FetchPage(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, page.Records, 2)
	r := page.Records[0]
	assert.Equal(t, model.OriginCourtScraper, r.Origin)
	assert.Equal(t, "5001234-56.2024.8.13.0024", r.RawCaseNumber)
	assert.Equal(t, "TJMG - 3ª Vara de Fazenda Pública", r.CourtName)
	assert.Equal(t, "Comarca de Belo Horizonte", r.City)
	assert.Equal(t, "15/01/2024", r.FilingDate)
	assert.Equal(t, "R$ 45.000,00", r.EstimatedValue)
	assert.Equal(t, "tjmg-1", r.SourceRef)

	require.Len(t, page.Rejected, 1)
	assert.Equal(t, "missing case number cell", page.Rejected[0].Reason)
	assert.Contains(t, page.Rejected[0].Ref, "#1")

	next, err := url.ParseQuery(page.Next)
	require.NoError(t, err)
	assert.Equal(t, "2", next.Get("pagina"))
	assert.Equal(t, "14/01/2024", next.Get("dataInicial"))
	assert.Equal(t, "15/01/2024", next.Get("dataFinal"))
	assert.Equal(t, 1, page.Attempts)
}

func TestFetchPage_WalksToExhaustion(t *testing.T) {
	srv := listingServer(t)
	p := source.NewPager(newTestClient(srv.URL, 3, nil), "")

	var numbers []string
	for {
		page, ok, err := p.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		for _, r := range page.Records {
			numbers = append(numbers, r.RawCaseNumber)
		}
	}
	assert.Equal(t, 2, p.Pages())
	assert.Equal(t, []string{
		"5001234-56.2024.8.13.0024",
		"5009999-11.2024.8.13.0024",
		"1002003-00.2024.8.13.0702",
	}, numbers)
}

func TestFetchPage_KeywordFilter(t *testing.T) {
	srv := listingServer(t)
	c := newTestClient(srv.URL, 3, []string{"medicamento", "internação"})

	page, err := c.FetchPage(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "5001234-56.2024.8.13.0024", page.Records[0].RawCaseNumber)
}

func TestFetchPage_ResumeKeepsWindow(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(page2)) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, nil)
	page, err := c.FetchPage(context.Background(), "pagina=2&dataInicial=01%2F01%2F2024&dataFinal=02%2F01%2F2024")
	require.NoError(t, err)
	assert.Empty(t, page.Next)
	assert.Equal(t, "2", got.Get("pagina"))
	assert.Equal(t, "01/01/2024", got.Get("dataInicial"))
}

func TestFetchPage_NextLinkMustAdvance(t *testing.T) {
	tests := []struct {
		name string
		href string
	}{
		{"self link", "?pagina=2"},
		{"backward link", "?pagina=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				body := strings.Replace(page2, "</table>", `</table><a rel="next" href="`+tt.href+`">Próxima</a>`, 1)
				w.Write([]byte(body)) //nolint:errcheck
			}))
			defer srv.Close()

			p := source.NewPager(newTestClient(srv.URL, 3, nil), "pagina=2&dataInicial=01%2F01%2F2024&dataFinal=02%2F01%2F2024")
			page, ok, err := p.Next(context.Background())
			require.NoError(t, err)
			require.True(t, ok)
			assert.Len(t, page.Records, 1)
			assert.Empty(t, page.Next)

			_, ok, err = p.Next(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestFetchPage_LayoutChanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html><body><div>manutenção</div></body></html>")) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3, nil).FetchPage(context.Background(), "")
	assert.ErrorIs(t, err, source.ErrLayoutChanged)
}

func TestFetchPage_UnavailableAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 5, nil).FetchPage(context.Background(), "")
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Equal(t, int32(5), calls.Load())
}

func TestFetchPage_BadCursor(t *testing.T) {
	_, err := newTestClient("http://unused", 1, nil).FetchPage(context.Background(), "dataInicial=x")
	assert.Error(t, err)
}

func TestParseListing_EmptyTable(t *testing.T) {
	l, err := ParseListing([]byte(`<table class="resultados"><tbody></tbody></table>`))
	require.NoError(t, err)
	assert.Empty(t, l.Rows)
	assert.Zero(t, l.NextPage)
}

func TestParseListing_RowWithoutCourtOrSubject(t *testing.T) {
	l, err := ParseListing([]byte(`<table class="resultados"><tr class="processo"><td class="numero">123</td></tr></table>`))
	require.NoError(t, err)
	require.Len(t, l.Rows, 1)
	assert.NotEmpty(t, l.Rows[0].Err)
}

func TestChromeRenderer(t *testing.T) {
	if os.Getenv("JURIS_TEST_CHROME") == "" {
		t.Skip("set JURIS_TEST_CHROME to run against a local Chrome")
	}
	srv := listingServer(t)
	r := NewChromeRenderer(ChromeOptions{Timeout: 30 * time.Second, Retry: resilience.Policy{MaxAttempts: 1}})

	body, attempts, err := r.Render(context.Background(), srv.URL+"/consulta?pagina=1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	l, err := ParseListing(body)
	require.NoError(t, err)
	assert.Len(t, l.Rows, 3)
}
