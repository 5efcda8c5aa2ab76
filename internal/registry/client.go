package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"affilink/internal/fingerprint"
)

// Mode selects the matching strategy.
type Mode int

const (
	// ModeSingle asks the registry to choose at most one organization.
	ModeSingle Mode = iota
	// ModeMulti uses the general affiliation endpoint, which may mark several
	// candidates as chosen. It is the less precise fallback.
	ModeMulti
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeMulti:
		return "multi"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Candidate is one organization proposed by the registry.
type Candidate struct {
	OrganizationID string  `json:"organization_id"`
	Name           string  `json:"name,omitempty"`
	Score          float64 `json:"score"`
	MatchingType   string  `json:"matching_type,omitempty"`
	Chosen         bool    `json:"chosen"`
}

// Candidates is the ranked candidate list of one lookup.
type Candidates []Candidate

// Chosen returns the distinct normalized identifiers of chosen candidates in
// response order.
func (cs Candidates) Chosen() []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, c := range cs {
		if !c.Chosen || c.OrganizationID == "" {
			continue
		}
		id := NormalizeID(c.OrganizationID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Lookuper is the registry contract consumed by resolution.
type Lookuper interface {
	Lookup(ctx context.Context, text string, mode Mode) (Candidates, error)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client queries the ROR v2 organizations endpoint.
type Client struct {
	baseURL   *url.URL
	userAgent string
	http      *http.Client
}

var _ Lookuper = (*Client)(nil)

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("registry: base url required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("registry: unsupported base url scheme %q", base.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        256,
				MaxIdleConnsPerHost: 256,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = "affilink"
	}
	return &Client{baseURL: base, userAgent: userAgent, http: httpClient}, nil
}

// Lookup queries the registry for text. The text is sent in its transport
// form. In ModeSingle a quoted query that fails with a server error is
// repeated unquoted; in ModeMulti any failure other than rate limiting is
// repeated unquoted. Blank text yields no candidates without a request.
func (c *Client) Lookup(ctx context.Context, text string, mode Mode) (Candidates, error) {
	if c == nil {
		return nil, errors.New("registry: client is nil")
	}
	query := fingerprint.Transport(text)
	if query == "" {
		return nil, nil
	}

	single := mode == ModeSingle
	candidates, err := c.do(ctx, `"`+query+`"`, single)
	if err == nil {
		return candidates, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return nil, err
	}
	if single && !isServerError(err) {
		return nil, err
	}
	return c.do(ctx, query, single)
}

func (c *Client) do(ctx context.Context, affiliation string, single bool) (Candidates, error) {
	endpoint := c.baseURL.JoinPath("v2", "organizations")
	rawQuery := "affiliation=" + url.QueryEscape(affiliation)
	if single {
		rawQuery += "&single_search"
	}
	endpoint.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), Status: statusErr}
		}
		return nil, statusErr
	}

	var payload response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &DecodeError{Err: err}
	}
	out := make(Candidates, 0, len(payload.Items))
	for _, item := range payload.Items {
		if item.Organization == nil || item.Organization.ID == "" {
			continue
		}
		out = append(out, Candidate{
			OrganizationID: NormalizeID(item.Organization.ID),
			Name:           item.Organization.displayName(),
			Score:          item.Score,
			MatchingType:   item.MatchingType,
			Chosen:         item.Chosen != nil && *item.Chosen,
		})
	}
	return out, nil
}

type response struct {
	NumberOfResults int    `json:"number_of_results"`
	Items           []item `json:"items"`
}

type item struct {
	Chosen       *bool         `json:"chosen"`
	Score        float64       `json:"score"`
	MatchingType string        `json:"matching_type"`
	Organization *organization `json:"organization"`
}

type organization struct {
	ID    string `json:"id"`
	Names []Name `json:"names"`
}

// Name is a ROR v2 organization name entry.
type Name struct {
	Value string   `json:"value"`
	Types []string `json:"types"`
	Lang  string   `json:"lang,omitempty"`
}

func (o *organization) displayName() string {
	return DisplayName(o.Names)
}

// DisplayName returns the name typed ror_display, falling back to the first
// label and then to the first name.
func DisplayName(names []Name) string {
	var label string
	for _, n := range names {
		for _, t := range n.Types {
			switch t {
			case "ror_display":
				return n.Value
			case "label":
				if label == "" {
					label = n.Value
				}
			}
		}
	}
	if label != "" {
		return label
	}
	if len(names) > 0 {
		return names[0].Value
	}
	return ""
}

// NormalizeID returns the canonical https://ror.org/<id> form of a ROR
// identifier. Unrecognized values are returned trimmed.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	lower := strings.ToLower(id)
	for _, prefix := range []string{"https://ror.org/", "http://ror.org/", "https://www.ror.org/", "ror.org/"} {
		if strings.HasPrefix(lower, prefix) {
			return "https://ror.org/" + lower[len(prefix):]
		}
	}
	if len(lower) == 9 && !strings.ContainsAny(lower, "/: ") {
		return "https://ror.org/" + lower
	}
	return id
}
