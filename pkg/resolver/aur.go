package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultAURBaseURL is the public community registry.
	DefaultAURBaseURL = "https://aur.archlinux.org"

	// maxInfoArgs is the number of names the RPC accepts per info request.
	maxInfoArgs = 200
)

// RegistryPackage is the metadata the registry returns for a package.
type RegistryPackage struct {
	Name         string   `json:"Name"`
	PackageBase  string   `json:"PackageBase"`
	Version      string   `json:"Version"`
	Depends      []string `json:"Depends"`
	MakeDepends  []string `json:"MakeDepends"`
	CheckDepends []string `json:"CheckDepends"`
	Provides     []string `json:"Provides"`
}

type rpcResponse struct {
	Type        string            `json:"type"`
	Error       string            `json:"error"`
	ResultCount int               `json:"resultcount"`
	Results     []RegistryPackage `json:"results"`
}

// AURClient talks to the AUR RPC v5 interface.
type AURClient struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewAURClient creates a client. Every request is bounded by timeout.
func NewAURClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *AURClient {
	if baseURL == "" {
		baseURL = DefaultAURBaseURL
	}
	return &AURClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "aur").Logger(),
	}
}

// SourceLocation returns the git URL of a package base.
func (c *AURClient) SourceLocation(pkgbase string) string {
	return fmt.Sprintf("%s/%s.git", c.baseURL, pkgbase)
}

// Info fetches metadata for names. Names the registry does not know are
// absent from the result.
func (c *AURClient) Info(ctx context.Context, names []string) (map[string]*RegistryPackage, error) {
	out := make(map[string]*RegistryPackage, len(names))
	for start := 0; start < len(names); start += maxInfoArgs {
		end := start + maxInfoArgs
		if end > len(names) {
			end = len(names)
		}

		query := url.Values{}
		for _, name := range names[start:end] {
			query.Add("arg[]", name)
		}
		resp, err := c.get(ctx, "/rpc/v5/info?"+query.Encode())
		if err != nil {
			return nil, err
		}
		for i := range resp.Results {
			pkg := resp.Results[i]
			out[pkg.Name] = &pkg
		}
	}
	return out, nil
}

// SearchProvides returns the names of packages providing dep, sorted.
func (c *AURClient) SearchProvides(ctx context.Context, dep string) ([]string, error) {
	resp, err := c.get(ctx, "/rpc/v5/search/"+url.PathEscape(dep)+"?by=provides")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *AURClient) get(ctx context.Context, path string) (*rpcResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("url", req.URL.String()).Msg("Requesting registry")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned HTTP %d", httpResp.StatusCode)
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}
	if resp.Type == "error" {
		return nil, fmt.Errorf("registry returned error: %s", resp.Error)
	}
	return &resp, nil
}
