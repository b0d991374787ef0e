package mirror

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
)

// MaxAssetBytes caps a single download.
const MaxAssetBytes = 64 << 20

// Entry is one upstream content entry.
type Entry struct {
	ID       int64
	Title    string
	Author   string
	Tags     []string
	ImageURL string
}

// TrendTag pairs a trending tag with its representative entry.
type TrendTag struct {
	Tag   string
	Entry Entry
}

// Source is the upstream content API.
type Source interface {
	Ranking(ctx context.Context, mode string) ([]Entry, error)
	Trending(ctx context.Context) ([]TrendTag, error)
	Download(ctx context.Context, rawURL string) ([]byte, error)
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s: status %d", e.URL, e.Code)
}

var ErrAssetTooLarge = errors.New("asset exceeds size limit")

// HTTPSource talks to a JSON content API over HTTP.
type HTTPSource struct {
	base   *url.URL
	token  string
	client *http.Client
}

func NewHTTPSource(baseURL, token string, timeout time.Duration) (*HTTPSource, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("mirror: base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("mirror: base url %q is not absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		base:   u,
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: timeout},
	}, nil
}

type wireIllust struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	User  struct {
		Name string `json:"name"`
	} `json:"user"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	ImageURLs struct {
		Large    string `json:"large"`
		Original string `json:"original"`
	} `json:"image_urls"`
}

func (w wireIllust) entry() Entry {
	e := Entry{ID: w.ID, Title: w.Title, Author: w.User.Name, ImageURL: w.ImageURLs.Original}
	if e.ImageURL == "" {
		e.ImageURL = w.ImageURLs.Large
	}
	for _, t := range w.Tags {
		if t.Name != "" {
			e.Tags = append(e.Tags, t.Name)
		}
	}
	return e
}

func (s *HTTPSource) Ranking(ctx context.Context, mode string) ([]Entry, error) {
	var body struct {
		Illusts []wireIllust `json:"illusts"`
	}
	if err := s.getJSON(ctx, "/v1/illust/ranking", url.Values{"mode": {mode}}, &body); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(body.Illusts))
	for _, il := range body.Illusts {
		out = append(out, il.entry())
	}
	return out, nil
}

func (s *HTTPSource) Trending(ctx context.Context) ([]TrendTag, error) {
	var body struct {
		TrendTags []struct {
			Tag    string     `json:"tag"`
			Illust wireIllust `json:"illust"`
		} `json:"trend_tags"`
	}
	if err := s.getJSON(ctx, "/v1/trending-tags/illust", nil, &body); err != nil {
		return nil, err
	}
	out := make([]TrendTag, 0, len(body.TrendTags))
	for _, tt := range body.TrendTags {
		out = append(out, TrendTag{Tag: tt.Tag, Entry: tt.Illust.entry()})
	}
	return out, nil
}

// Download fetches an asset. Asset hosts check the Referer header.
func (s *HTTPSource) Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Referer", s.base.String())
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAssetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if len(data) > MaxAssetBytes {
		return nil, fmt.Errorf("download %s: %w", rawURL, ErrAssetTooLarge)
	}
	return data, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := s.base.JoinPath(path)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (s *HTTPSource) do(req *http.Request) (*http.Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: req.URL.Redacted()}
	}
	return resp, nil
}
