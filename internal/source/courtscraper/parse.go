package courtscraper

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/source"
)

// Row is one parsed result row. Err is set when the row could not be used.
type Row struct {
	Index  int
	Record model.RawRecord
	Err    string
}

// Listing is a parsed result page.
type Listing struct {
	Rows     []Row
	NextPage int // 0 when there is no next page
}

// cell classes on a result row, mapped to the record field they fill.
const (
	cellNumber  = "numero"
	cellCourt   = "orgao"
	cellCity    = "comarca"
	cellFiled   = "distribuicao"
	cellSubject = "assunto"
	cellValue   = "valor"
)

// ParseListing extracts result rows from a listing page. A page without a
// results table fails with source.ErrLayoutChanged; an empty table is a
// valid empty page.
func ParseListing(body []byte) (*Listing, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(source.ErrLayoutChanged, err.Error())
	}

	table := find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "table" && hasClass(n, "resultados")
	})
	if table == nil {
		return nil, eris.Wrap(source.ErrLayoutChanged, "results table not found")
	}

	out := &Listing{}
	idx := 0
	walk(table, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "tr" || !hasClass(n, "processo") {
			return
		}
		out.Rows = append(out.Rows, parseRow(idx, n))
		idx++
	})

	if next := find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "a" && attr(n, "rel") == "next"
	}); next != nil {
		out.NextPage = pageFromHref(attr(next, "href"))
	}
	return out, nil
}

func parseRow(idx int, tr *html.Node) Row {
	cells := map[string]string{}
	walk(tr, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "td" {
			return
		}
		for _, c := range []string{cellNumber, cellCourt, cellCity, cellFiled, cellSubject, cellValue} {
			if hasClass(n, c) {
				cells[c] = text(n)
			}
		}
	})

	row := Row{Index: idx}
	if cells[cellNumber] == "" {
		row.Err = "missing case number cell"
		return row
	}
	if cells[cellSubject] == "" && cells[cellCourt] == "" {
		row.Err = "row has a case number but no court or subject"
		return row
	}

	row.Record = model.RawRecord{
		RawCaseNumber:  cells[cellNumber],
		CourtName:      cells[cellCourt],
		City:           cells[cellCity],
		FilingDate:     cells[cellFiled],
		Subject:        cells[cellSubject],
		EstimatedValue: cells[cellValue],
		SourceRef:      attr(tr, "data-ref"),
	}
	return row
}

func pageFromHref(href string) int {
	if href == "" {
		return 0
	}
	u, err := url.Parse(href)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(u.Query().Get("pagina"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// text returns the whitespace-collapsed text content of n.
func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	})
	return strings.Join(strings.Fields(b.String()), " ")
}
