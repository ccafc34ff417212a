package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Browser follows the redirect chain from an authorization URL to the
// callback receiver, recording each hop.
type Browser struct {
	client *http.Client
	Hops   []*url.URL
}

// NewBrowser returns a browser without keep-alives, so receivers can shut
// down as soon as their page is served.
func NewBrowser() *Browser {
	b := &Browser{}
	b.client = &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			b.Hops = append(b.Hops, req.URL)
			return nil
		},
	}
	return b
}

// Page is the last page the browser landed on.
type Page struct {
	URL    *url.URL
	Status int
	Body   string
}

// Visit loads rawURL and follows redirects to the final page.
func (b *Browser) Visit(rawURL string) (*Page, error) {
	resp, err := b.client.Get(rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Page{URL: resp.Request.URL, Status: resp.StatusCode, Body: string(body)}, nil
}
