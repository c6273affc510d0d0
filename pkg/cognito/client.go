// Package cognito is a client for the brain's v2 REST API, covering the
// small surface tags2groups needs: credential checks, tag discovery, host
// search, group create/update, and host tag read/write.
package cognito

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	apperrors "github.com/vectra-tools/tags2groups/internal/errors"
	"github.com/vectra-tools/tags2groups/pkg/tlsutil"
)

const (
	apiPath  = "/api/v2"
	pageSize = 5000
)

// Client represents a brain API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

// ClientConfig holds configuration for the brain client
type ClientConfig struct {
	BrainURL    string
	APIToken    string
	Fingerprint string
	VerifySSL   bool
	Timeout     time.Duration
}

// NewClient creates a new brain API client
func NewClient(cfg ClientConfig) (*Client, error) {
	if !strings.HasPrefix(cfg.BrainURL, "http://") && !strings.HasPrefix(cfg.BrainURL, "https://") {
		cfg.BrainURL = "https://" + cfg.BrainURL
		log.Debug().Str("url", cfg.BrainURL).Msg("No protocol specified in brain URL, defaulting to HTTPS")
	}
	if strings.HasPrefix(cfg.BrainURL, "http://") {
		log.Warn().Str("url", cfg.BrainURL).Msg("Using HTTP for brain connection. Brains typically require HTTPS")
	}

	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("API token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := tlsutil.CreateHTTPClientWithTimeout(cfg.VerifySSL, cfg.Fingerprint, timeout)

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BrainURL, "/") + apiPath,
		httpClient: httpClient,
		config:     cfg,
	}, nil
}

// HostID is the backend's host identifier. Brains return integers but the
// field is treated as opaque; it marshals back in the form it arrived.
type HostID string

func (h *HostID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*h = HostID(v)
		return nil
	}
	if s == "null" {
		*h = ""
		return nil
	}
	*h = HostID(s)
	return nil
}

func (h HostID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(h), 10, 64); err == nil {
		return []byte(h), nil
	}
	return json.Marshal(string(h))
}

// Group is a host group as returned by the groups endpoint
type Group struct {
	ID      int           `json:"id"`
	Name    string        `json:"name"`
	Type    string        `json:"type"`
	Members []GroupMember `json:"members"`
}

// GroupMember is a single member entry of a group
type GroupMember struct {
	ID HostID `json:"id"`
}

// MemberIDs returns the group's member host IDs.
func (g Group) MemberIDs() []HostID {
	ids := make([]HostID, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// do performs a request against an absolute URL and decodes the JSON response
// body into out when out is non-nil. rawURL must be absolute so that paginated
// "next" links can be followed directly.
func (c *Client) do(ctx context.Context, method, rawURL string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Token "+c.config.APIToken)

	log.Debug().Str("method", method).Str("url", req.URL.String()).Msg("Brain API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
		}
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
		}
	}
	return nil
}

// VerifyCredentials checks reachability of the API base endpoint and validity
// of the token. 200 and 201 count as healthy; anything else is fatal for the
// caller.
func (c *Client) VerifyCredentials(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+c.config.APIToken)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewSyncError(apperrors.ErrorTypeConnection, "verify_credentials",
			fmt.Errorf("unable to establish connection with brain %s: %w", c.config.BrainURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return apperrors.NewSyncError(apperrors.ErrorTypeAuth, "verify_credentials",
			fmt.Errorf("credential check returned %d: %s", resp.StatusCode, string(body)))
	}
	return nil
}

// searchPage is the envelope of the paginated search endpoint.
type searchPage[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Results  []T    `json:"results"`
}

// searchURL builds the first-page URL for a host search returning the given
// field for every match of query.
func (c *Client) searchURL(field, query string) string {
	params := url.Values{}
	params.Set("page_size", strconv.Itoa(pageSize))
	params.Set("field", field)
	params.Set("query_string", query)
	return c.baseURL + "/search/hosts/?" + params.Encode()
}

// ListTags returns the union of tags across all tagged hosts, deduplicated
// and sorted. With activeOnly, only hosts with active detections contribute.
func (c *Client) ListTags(ctx context.Context, activeOnly bool) ([]string, error) {
	query := `host.tags:*`
	if activeOnly {
		query = `host.state:"active" AND ` + query
	}

	seen := make(map[string]struct{})
	next := c.searchURL("tags", query)
	for next != "" {
		var page searchPage[struct {
			Tags []string `json:"tags"`
		}]
		if err := c.do(ctx, "GET", next, nil, &page); err != nil {
			return nil, err
		}
		for _, result := range page.Results {
			for _, tag := range result.Tags {
				seen[tag] = struct{}{}
			}
		}
		next = page.Next
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

// FindHostIDs returns the IDs of all hosts matching the given query string,
// following pagination until exhausted.
func (c *Client) FindHostIDs(ctx context.Context, query string) ([]HostID, error) {
	var ids []HostID
	next := c.searchURL("id", query)
	for next != "" {
		var page searchPage[struct {
			ID HostID `json:"id"`
		}]
		if err := c.do(ctx, "GET", next, nil, &page); err != nil {
			return nil, err
		}
		for _, result := range page.Results {
			ids = append(ids, result.ID)
		}
		next = page.Next
	}
	return ids, nil
}

// FindGroupsByName returns the groups whose name matches the given string.
// The backend matches loosely, so results may include fuzzy matches whose
// names differ from the search term.
func (c *Client) FindGroupsByName(ctx context.Context, name string) ([]Group, error) {
	params := url.Values{}
	params.Set("name", name)

	var groups []Group
	if err := c.do(ctx, "GET", c.baseURL+"/groups/?"+params.Encode(), nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// CreateGroup creates a host group with the given name and members.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []HostID) error {
	if memberIDs == nil {
		memberIDs = []HostID{}
	}
	payload := map[string]any{
		"name":        name,
		"description": "Created by tags2groups",
		"type":        "host",
		"members":     memberIDs,
	}
	return c.do(ctx, "POST", c.baseURL+"/groups/", payload, nil)
}

// UpdateGroupMembers replaces a group's member list. Callers are expected to
// have merged in any pre-existing members first.
func (c *Client) UpdateGroupMembers(ctx context.Context, groupID int, memberIDs []HostID) error {
	if memberIDs == nil {
		memberIDs = []HostID{}
	}
	payload := map[string]any{
		"members": memberIDs,
	}
	return c.do(ctx, "PATCH", c.baseURL+"/groups/"+strconv.Itoa(groupID), payload, nil)
}

// GetHostTags returns the host's full current tag set.
func (c *Client) GetHostTags(ctx context.Context, hostID HostID) ([]string, error) {
	var result struct {
		Tags []string `json:"tags"`
	}
	if err := c.do(ctx, "GET", c.baseURL+"/tagging/host/"+string(hostID)+"?fields=tags", nil, &result); err != nil {
		return nil, err
	}
	return result.Tags, nil
}

// SetHostTags replaces the host's full tag set.
func (c *Client) SetHostTags(ctx context.Context, hostID HostID, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	payload := map[string]any{
		"tags": tags,
	}
	return c.do(ctx, "PATCH", c.baseURL+"/tagging/host/"+string(hostID), payload, nil)
}
