package fragment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"annc/misc"
)

// HTTPSource reads resources with unauthenticated GET requests. There is no
// retry and no timeout other than context cancellation.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPSource creates source for base URL, when client is nil
// http.DefaultClient is used.
func NewHTTPSource(base *url.URL, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{base: base, client: client}
}

func (s *HTTPSource) Base() string { return s.base.String() }

func (s *HTTPSource) Fetch(ctx context.Context, name string) (*Fragment, error) {
	ref, err := url.Parse(name)
	if err != nil {
		return nil, fetchErr(name, s.base.String(), err)
	}
	location := s.base.JoinPath(ref.Path)
	location.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location.String(), nil)
	if err != nil {
		return nil, fetchErr(name, location.String(), err)
	}
	req.Header.Set("User-Agent", misc.GetAppName()+"/"+misc.GetVersion())
	req.Header.Set("Accept", "text/html, */*;q=0.1")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fetchErr(name, location.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain body so connection could be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fetchErr(name, location.String(), fmt.Errorf("unexpected status %q", resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fetchErr(name, location.String(), err)
	}
	markup, err := decode(data, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fetchErr(name, location.String(), err)
	}
	return &Fragment{Name: name, Location: location.String(), Markup: markup}, nil
}
