package keyring

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// archiveName maps an Identity to its well-known archive filename on the
// image server, e.g. "image-signing.tar.gz".
func archiveName(id Identity) string {
	return string(id) + ".tar.gz"
}

// HTTPFetcher fetches keyring archives from the same image server that
// serves channels.json and index.json.
type HTTPFetcher struct {
	baseURL string // e.g. "https://system-image.example.org:443"
	client  *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher rooted at baseURL.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPFetcher{baseURL: baseURL, client: client}
}

// FetchKeyring implements Fetcher.
func (f *HTTPFetcher) FetchKeyring(ctx context.Context, id Identity) ([]byte, []byte, error) {
	name := archiveName(id)

	archive, err := f.get(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", name, err)
	}

	signature, err := f.get(ctx, name+".asc")
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s.asc: %w", name, err)
	}

	return archive, signature, nil
}

func (f *HTTPFetcher) get(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/gpg/"+name, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
