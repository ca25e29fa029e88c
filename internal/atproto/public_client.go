package atproto

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// PublicAPIBaseURL is the public Bluesky API endpoint.
	PublicAPIBaseURL = "https://public.api.bsky.app"
	// PLCDirectoryURL is the PLC directory for resolving DIDs.
	PLCDirectoryURL = "https://plc.directory"

	// pdsCacheMax bounds the DID to PDS endpoint cache.
	pdsCacheMax = 1024
)

// PublicClient provides unauthenticated access to public ATProto APIs:
// profile lookups, post search and direct PDS record listing. Search runs
// unauthenticated deliberately; a mutual block hides authenticated results
// but not public ones.
type PublicClient struct {
	baseURL      string
	directoryURL string
	httpClient   *http.Client
	// Cache PDS endpoints to avoid repeated directory lookups
	pdsCache   map[string]string
	pdsCacheMu sync.RWMutex
}

// NewPublicClient creates a new public API client.
func NewPublicClient() *PublicClient {
	return &PublicClient{
		baseURL:      PublicAPIBaseURL,
		directoryURL: PLCDirectoryURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pdsCache: make(map[string]string),
	}
}

// NewPublicClientWithHosts creates a client against explicit hosts,
// used by tests.
func NewPublicClientWithHosts(baseURL, directoryURL string) *PublicClient {
	c := NewPublicClient()
	c.baseURL = baseURL
	c.directoryURL = directoryURL
	return c
}

// GetPDSEndpoint resolves a DID to find the account's hosting endpoint.
// Results are cached for the process lifetime, bounded in size.
func (c *PublicClient) GetPDSEndpoint(ctx context.Context, did string) (string, error) {
	c.pdsCacheMu.RLock()
	if pds, ok := c.pdsCache[did]; ok {
		c.pdsCacheMu.RUnlock()
		return pds, nil
	}
	c.pdsCacheMu.RUnlock()

	var pdsEndpoint string

	if strings.HasPrefix(did, "did:plc:") {
		// PLC DID - resolve from the directory
		reqURL := fmt.Sprintf("%s/%s", c.directoryURL, did)
		req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetching DID document: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("DID resolution failed with status %d", resp.StatusCode)
		}

		var didDoc struct {
			Service []struct {
				ID              string `json:"id"`
				Type            string `json:"type"`
				ServiceEndpoint string `json:"serviceEndpoint"`
			} `json:"service"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&didDoc); err != nil {
			return "", fmt.Errorf("decoding DID document: %w", err)
		}

		for _, svc := range didDoc.Service {
			if svc.ID == "#atproto_pds" || svc.Type == "AtprotoPersonalDataServer" {
				pdsEndpoint = svc.ServiceEndpoint
				break
			}
		}
	} else if strings.HasPrefix(did, "did:web:") {
		// Web DID - the domain is the PDS
		domain := strings.TrimPrefix(did, "did:web:")
		pdsEndpoint = "https://" + domain
	}

	if pdsEndpoint == "" {
		return "", fmt.Errorf("could not resolve PDS endpoint for %s", did)
	}

	c.pdsCacheMu.Lock()
	if len(c.pdsCache) >= pdsCacheMax {
		for k := range c.pdsCache {
			delete(c.pdsCache, k)
			break
		}
	}
	c.pdsCache[did] = pdsEndpoint
	c.pdsCacheMu.Unlock()

	return pdsEndpoint, nil
}

// Profile represents a user's public profile.
type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// GetProfile fetches a user's public profile by DID or handle.
func (c *PublicClient) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	reqURL := fmt.Sprintf("%s/xrpc/app.bsky.actor.getProfile?actor=%s",
		c.baseURL, url.QueryEscape(actor))

	var profile Profile
	if err := c.getJSON(ctx, reqURL, &profile); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	return &profile, nil
}

// PostRecord is the decoded app.bsky.feed.post record payload, with just
// the fields interaction detection needs.
type PostRecord struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Reply     *struct {
		Parent struct {
			URI string `json:"uri"`
		} `json:"parent"`
	} `json:"reply,omitempty"`
	Embed  *json.RawMessage `json:"embed,omitempty"`
	Facets []struct {
		Features []struct {
			Type string `json:"$type"`
			DID  string `json:"did,omitempty"`
		} `json:"features"`
	} `json:"facets,omitempty"`
}

// RepliesTo reports whether the post is a reply to a post authored by did.
func (r *PostRecord) RepliesTo(did string) bool {
	if r.Reply == nil {
		return false
	}
	return strings.HasPrefix(r.Reply.Parent.URI, "at://"+did+"/")
}

// Mentions reports whether the post carries a mention facet for did.
func (r *PostRecord) Mentions(did string) bool {
	for _, facet := range r.Facets {
		for _, feat := range facet.Features {
			if feat.Type == "app.bsky.richtext.facet#mention" && feat.DID == did {
				return true
			}
		}
	}
	return false
}

// Quotes reports whether the post embeds (quotes) a record authored by did.
func (r *PostRecord) Quotes(did string) bool {
	if r.Embed == nil {
		return false
	}

	var embed struct {
		Type   string `json:"$type"`
		Record *struct {
			URI    string `json:"uri"`
			Record *struct {
				URI string `json:"uri"`
			} `json:"record,omitempty"`
		} `json:"record,omitempty"`
	}
	if err := json.Unmarshal(*r.Embed, &embed); err != nil || embed.Record == nil {
		return false
	}

	uri := embed.Record.URI
	if uri == "" && embed.Record.Record != nil {
		// app.bsky.embed.recordWithMedia nests one level deeper
		uri = embed.Record.Record.URI
	}
	return strings.HasPrefix(uri, "at://"+did+"/")
}

// InteractsWith reports whether the post replies to, quotes or mentions
// the given account.
func (r *PostRecord) InteractsWith(did string) bool {
	return r.RepliesTo(did) || r.Quotes(did) || r.Mentions(did)
}

// SearchPost is one hit from the public post search endpoint.
type SearchPost struct {
	URI          string
	AuthorDID    string
	AuthorHandle string
	Record       PostRecord
}

// SearchPostsParams narrows a post search. Query is required; Author and
// Mentions are DIDs.
type SearchPostsParams struct {
	Query    string
	Author   string
	Mentions string
	Limit    int
}

// SearchPosts queries the public search endpoint, newest results first.
func (c *PublicClient) SearchPosts(ctx context.Context, params SearchPostsParams) ([]SearchPost, error) {
	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("sort", "latest")
	if params.Author != "" {
		q.Set("author", params.Author)
	}
	if params.Mentions != "" {
		q.Set("mentions", params.Mentions)
	}
	if params.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", params.Limit))
	}

	reqURL := fmt.Sprintf("%s/xrpc/app.bsky.feed.searchPosts?%s", c.baseURL, q.Encode())

	var result struct {
		Posts []struct {
			URI    string `json:"uri"`
			Author struct {
				DID    string `json:"did"`
				Handle string `json:"handle"`
			} `json:"author"`
			Record PostRecord `json:"record"`
		} `json:"posts"`
	}
	if err := c.getJSON(ctx, reqURL, &result); err != nil {
		return nil, fmt.Errorf("searching posts: %w", err)
	}

	posts := make([]SearchPost, 0, len(result.Posts))
	for _, p := range result.Posts {
		posts = append(posts, SearchPost{
			URI:          p.URI,
			AuthorDID:    p.Author.DID,
			AuthorHandle: p.Author.Handle,
			Record:       p.Record,
		})
	}

	return posts, nil
}

// AuthorPost is one post record read directly from an account's PDS.
type AuthorPost struct {
	URI    string
	Record PostRecord
}

// ListAuthorPosts fetches one page of an account's own post collection,
// newest first, directly from its hosting endpoint. The returned cursor
// is empty on the final page.
func (c *PublicClient) ListAuthorPosts(ctx context.Context, did, cursor string, limit int) ([]AuthorPost, string, error) {
	pdsEndpoint, err := c.GetPDSEndpoint(ctx, did)
	if err != nil {
		return nil, "", fmt.Errorf("resolving PDS: %w", err)
	}

	q := url.Values{}
	q.Set("repo", did)
	q.Set("collection", "app.bsky.feed.post")
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Set("reverse", "true")
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	reqURL := fmt.Sprintf("%s/xrpc/com.atproto.repo.listRecords?%s", pdsEndpoint, q.Encode())

	var result struct {
		Records []struct {
			URI   string     `json:"uri"`
			Value PostRecord `json:"value"`
		} `json:"records"`
		Cursor *string `json:"cursor,omitempty"`
	}
	if err := c.getJSON(ctx, reqURL, &result); err != nil {
		return nil, "", fmt.Errorf("listing author posts: %w", err)
	}

	posts := make([]AuthorPost, 0, len(result.Records))
	for _, r := range result.Records {
		posts = append(posts, AuthorPost{URI: r.URI, Record: r.Value})
	}

	next := ""
	if result.Cursor != nil {
		next = *result.Cursor
	}

	return posts, next, nil
}

func (c *PublicClient) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
