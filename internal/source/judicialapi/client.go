// Package judicialapi reads case metadata from the national judicial
// records search API, paging with search_after tokens.
package judicialapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/jurishealth/internal/config"
	"github.com/sells-group/jurishealth/internal/fetcher"
	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/resilience"
	"github.com/sells-group/jurishealth/internal/source"
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	Index        string
	APIKey       string
	PageSize     int
	ClassCodes   []int
	SubjectCodes []int
	Fetcher      fetcher.Fetcher
}

// Client implements source.Client for the judicial search API.
type Client struct {
	opts Options
}

// New creates a judicial API client.
func New(opts Options) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Client{opts: opts}
}

// FromConfig builds a client backed by a rate-limited HTTP fetcher.
func FromConfig(cfg config.JudicialAPIConfig, retry resilience.Policy) *Client {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Name:        string(model.OriginJudicialAPI),
		Timeout:     time.Duration(cfg.TimeoutSecs) * time.Second,
		MinInterval: time.Duration(cfg.MinIntervalMs) * time.Millisecond,
		Retry:       retry,
	})
	return New(Options{
		BaseURL:      cfg.BaseURL,
		Index:        cfg.Index,
		APIKey:       cfg.APIKey,
		PageSize:     cfg.PageSize,
		ClassCodes:   cfg.ClassCodes,
		SubjectCodes: cfg.SubjectCodes,
		Fetcher:      f,
	})
}

// Origin implements source.Client.
func (c *Client) Origin() model.Origin {
	return model.OriginJudicialAPI
}

type searchRequest struct {
	Size        int               `json:"size"`
	Query       map[string]any    `json:"query"`
	Sort        []map[string]any  `json:"sort"`
	SearchAfter []json.RawMessage `json:"search_after,omitempty"`
}

type searchResponse struct {
	Hits struct {
		Hits []hit `json:"hits"`
	} `json:"hits"`
}

type hit struct {
	ID     string            `json:"_id"`
	Source json.RawMessage   `json:"_source"`
	Sort   []json.RawMessage `json:"sort"`
}

type caseDoc struct {
	NumeroProcesso  string          `json:"numeroProcesso"`
	Tribunal        string          `json:"tribunal"`
	DataAjuizamento string          `json:"dataAjuizamento"`
	ValorCausa      json.RawMessage `json:"valorCausa"`
	Classe          struct {
		Nome string `json:"nome"`
	} `json:"classe"`
	OrgaoJulgador struct {
		Nome            string          `json:"nome"`
		CodigoMunicipio json.RawMessage `json:"codigoMunicipioIBGE"`
		Municipio       string          `json:"municipio"`
	} `json:"orgaoJulgador"`
	Assuntos []struct {
		Nome string `json:"nome"`
	} `json:"assuntos"`
}

// FetchPage implements source.Client. The cursor is the JSON-encoded sort
// values of the previous page's last hit.
func (c *Client) FetchPage(ctx context.Context, cursor string) (source.Page, error) {
	body, err := c.buildQuery(cursor)
	if err != nil {
		return source.Page{}, err
	}

	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + "/" + c.opts.Index + "/_search"
	resp, err := c.opts.Fetcher.Fetch(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "APIKey "+c.opts.APIKey)
		}
		return req, nil
	})
	if err != nil {
		return source.Page{}, source.Classify(model.OriginJudicialAPI, err)
	}

	var sr searchResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return source.Page{}, eris.Wrapf(source.ErrLayoutChanged, "judicial_api: decode search response: %v", err)
	}

	page := source.Page{Attempts: resp.Attempts}
	for i, h := range sr.Hits.Hits {
		rec, reason := decodeHit(h)
		if reason != "" {
			ref := h.ID
			if ref == "" {
				ref = "hit-" + strconv.Itoa(i)
			}
			page.Rejected = append(page.Rejected, source.RecordRejected{
				Origin: model.OriginJudicialAPI,
				Ref:    ref,
				Reason: reason,
			})
			continue
		}
		page.Records = append(page.Records, rec)
	}

	// A short page is the last one.
	if n := len(sr.Hits.Hits); n == c.opts.PageSize && len(sr.Hits.Hits[n-1].Sort) > 0 {
		next, err := json.Marshal(sr.Hits.Hits[n-1].Sort)
		if err != nil {
			return source.Page{}, eris.Wrap(err, "judicial_api: encode cursor")
		}
		page.Next = string(next)
	}
	return page, nil
}

func (c *Client) buildQuery(cursor string) ([]byte, error) {
	var must []map[string]any
	if len(c.opts.ClassCodes) > 0 {
		must = append(must, map[string]any{"terms": map[string]any{"classe.codigo": c.opts.ClassCodes}})
	}
	if len(c.opts.SubjectCodes) > 0 {
		must = append(must, map[string]any{"terms": map[string]any{"assuntos.codigo": c.opts.SubjectCodes}})
	}

	query := map[string]any{"match_all": map[string]any{}}
	if len(must) > 0 {
		query = map[string]any{"bool": map[string]any{"must": must}}
	}

	req := searchRequest{
		Size:  c.opts.PageSize,
		Query: query,
		Sort:  []map[string]any{{"@timestamp": map[string]any{"order": "asc"}}},
	}
	if cursor != "" {
		if err := json.Unmarshal([]byte(cursor), &req.SearchAfter); err != nil {
			return nil, eris.Wrap(err, "judicial_api: parse cursor")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "judicial_api: encode query")
	}
	return body, nil
}

// decodeHit maps one search hit to a raw record, or returns a reject reason.
func decodeHit(h hit) (model.RawRecord, string) {
	var doc caseDoc
	if err := json.Unmarshal(h.Source, &doc); err != nil {
		return model.RawRecord{}, "decode: " + err.Error()
	}
	if strings.TrimSpace(doc.NumeroProcesso) == "" {
		return model.RawRecord{}, "missing numeroProcesso"
	}

	court := doc.OrgaoJulgador.Nome
	if doc.Tribunal != "" {
		if court != "" {
			court = doc.Tribunal + " - " + court
		} else {
			court = doc.Tribunal
		}
	}

	city := doc.OrgaoJulgador.Municipio
	if city == "" {
		city = rawScalar(doc.OrgaoJulgador.CodigoMunicipio)
	}

	subjects := make([]string, 0, len(doc.Assuntos)+1)
	for _, a := range doc.Assuntos {
		if a.Nome != "" {
			subjects = append(subjects, a.Nome)
		}
	}
	if doc.Classe.Nome != "" {
		subjects = append(subjects, doc.Classe.Nome)
	}

	ref := h.ID
	if ref == "" {
		ref = doc.NumeroProcesso
	}

	return model.RawRecord{
		Origin:         model.OriginJudicialAPI,
		RawCaseNumber:  doc.NumeroProcesso,
		CourtName:      court,
		FilingDate:     doc.DataAjuizamento,
		Subject:        strings.Join(subjects, "; "),
		EstimatedValue: amountText(doc.ValorCausa),
		City:           city,
		SourceRef:      ref,
	}, ""
}

// amountText renders valorCausa for normalization. A JSON number is exact,
// so it is written with a decimal comma and no grouping; the dot heuristics
// for scraped text never apply to it.
func amountText(raw json.RawMessage) string {
	s := rawScalar(raw)
	if s == "" || raw[0] == '"' {
		return s
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return strings.Replace(d.String(), ".", ",", 1)
}

// rawScalar renders a JSON string or number as plain text.
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
