package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sentinel-intel/sentinel/internal/model"
)

const (
	hostPath   = "shodan/host/"
	searchPath = "shodan/host/search"
	infoPath   = "api-info"

	// results per search page
	searchPageSize = 100
)

// host-level fields copied into every banner of a host lookup
var hostFields = []string{"ip_str", "org", "isp", "asn", "country_code", "country_name", "last_update", "hostnames"}

// Shodan is the Index implementation backed by the Shodan REST API.
type Shodan struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
}

func NewShodan(baseURL, apiKey string, timeout time.Duration) (*Shodan, error) {
	if apiKey == "" {
		return nil, &model.ConfigError{Field: "provider.api_key", Problems: []string{"api key is required"}}
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, &model.ConfigError{Field: "provider.base_url", Err: err}
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, &model.ConfigError{Field: "provider.base_url", Problems: []string{"expected scheme and host, e.g. `https://api.shodan.io`"}}
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/") + "/"

	return &Shodan{
		baseURL: parsedURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *Shodan) Page(ctx context.Context, target model.Target, cursor string) (Page, error) {
	switch target.Kind {
	case model.TargetAddress:
		if cursor != "" {
			return Page{}, fmt.Errorf("host lookup %s: unexpected cursor %q", target.Name, cursor)
		}
		return s.host(ctx, target.Name)
	case model.TargetHostname:
		return s.search(ctx, "hostname:"+target.Name, cursor)
	case model.TargetQuery:
		return s.search(ctx, target.Query, cursor)
	default:
		return Page{}, fmt.Errorf("unsupported target kind %s", target.Kind)
	}
}

func (s *Shodan) Ping(ctx context.Context) error {
	var info struct {
		Plan         string `json:"plan"`
		QueryCredits int    `json:"query_credits"`
	}
	found, err := s.get(ctx, infoPath, nil, &info)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("api-info not available")
	}
	slog.DebugContext(ctx, "provider reachable", "plan", info.Plan, "query_credits", info.QueryCredits)
	return nil
}

func (s *Shodan) host(ctx context.Context, ip string) (Page, error) {
	var host map[string]any
	found, err := s.get(ctx, hostPath+url.PathEscape(ip), nil, &host)
	if err != nil || !found {
		return Page{}, err
	}

	banners, _ := host["data"].([]any)
	records := make([]model.RawRecord, 0, len(banners))
	for _, b := range banners {
		banner, ok := b.(map[string]any)
		if !ok {
			continue
		}
		for _, f := range hostFields {
			if _, ok := banner[f]; ok {
				continue
			}
			if v, ok := host[f]; ok {
				banner[f] = v
			}
		}
		records = append(records, model.RawRecord(banner))
	}
	return Page{Records: records, Total: len(records)}, nil
}

func (s *Shodan) search(ctx context.Context, query, cursor string) (Page, error) {
	page := 1
	if cursor != "" {
		var err error
		page, err = strconv.Atoi(cursor)
		if err != nil || page < 1 {
			return Page{}, fmt.Errorf("invalid search cursor %q", cursor)
		}
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("page", strconv.Itoa(page))

	var resp struct {
		Matches []map[string]any `json:"matches"`
		Total   int              `json:"total"`
	}
	found, err := s.get(ctx, searchPath, params, &resp)
	if err != nil || !found {
		return Page{}, err
	}

	records := make([]model.RawRecord, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		records = append(records, model.RawRecord(m))
	}
	ret := Page{Records: records, Total: resp.Total}
	if len(records) > 0 && page*searchPageSize < resp.Total {
		ret.Next = strconv.Itoa(page + 1)
	}
	return ret, nil
}

// get returns false when the provider has no data for the resource.
func (s *Shodan) get(ctx context.Context, path string, params url.Values, out any) (bool, error) {
	u := s.baseURL.JoinPath(path)
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("key", s.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, &model.TransientError{Op: "GET /" + path, Err: redact(err, s.apiKey)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return false, &model.TransientError{Op: "decode /" + path, Err: err}
		}
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &model.ConfigError{Field: "provider.api_key", Err: model.ErrUnauthorized}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return false, &model.TransientError{Op: "GET /" + path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, providerError(resp.Body))}
	}
	return false, fmt.Errorf("GET /%s: unexpected status %d: %s", path, resp.StatusCode, providerError(resp.Body))
}

func providerError(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(b))
}

// redact removes the credential from url errors.
func redact(err error, key string) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		msg := strings.ReplaceAll(uerr.Error(), key, "REDACTED")
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("timeout: %s", msg)
		}
		return errors.New(msg)
	}
	return err
}
