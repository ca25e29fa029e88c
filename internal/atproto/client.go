package atproto

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/xrpc"
)

const (
	// BlockCollection is the repo collection holding block records.
	BlockCollection = "app.bsky.graph.block"

	// ListBlockCollection holds the user's block-flavor list subscriptions.
	ListBlockCollection = "app.bsky.graph.listblock"

	// PageSize is the page size used for all graph listings.
	PageSize = 100

	// ProfileBatchSize is the API maximum for app.bsky.actor.getProfiles.
	ProfileBatchSize = 25

	// DefaultPageDelay is the cooperative delay between paginated
	// requests, to respect the API's rate limits.
	DefaultPageDelay = 300 * time.Millisecond
)

// Client wraps the XRPC client for making authenticated requests to the
// signed-in user's PDS (the repository host).
type Client struct {
	sessions SessionStore

	// PageDelay is inserted between pages of a cursor-following fetch.
	// Tests shrink it.
	PageDelay time.Duration
}

// NewClient creates a new authenticated atproto client.
func NewClient(sessions SessionStore) *Client {
	return &Client{
		sessions:  sessions,
		PageDelay: DefaultPageDelay,
	}
}

// getXRPC builds an XRPC client from the stored session credential.
// A missing credential is an auth failure, not a generic one.
func (c *Client) getXRPC(ctx context.Context) (*xrpc.Client, string, error) {
	sess, err := c.sessions.LoadSession(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, "", &APIError{Auth: true, Wrapped: fmt.Errorf("no stored session")}
	}

	client := &xrpc.Client{
		Host: sess.Host,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  sess.AccessJwt,
			RefreshJwt: sess.RefreshJwt,
			Did:        sess.DID,
			Handle:     sess.Handle,
		},
	}

	return client, sess.DID, nil
}

// pause sleeps for the inter-page delay unless the context ends first.
func (c *Client) pause(ctx context.Context) error {
	if c.PageDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.PageDelay):
		return nil
	}
}

// ProfileView is the subject shape shared by the graph listing endpoints.
type ProfileView struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// ViewerState is the relationship block of a profile as seen by the
// signed-in user. Following and FollowedBy are record URIs when set.
type ViewerState struct {
	Muted      bool    `json:"muted,omitempty"`
	BlockedBy  bool    `json:"blockedBy,omitempty"`
	Blocking   *string `json:"blocking,omitempty"`
	Following  *string `json:"following,omitempty"`
	FollowedBy *string `json:"followedBy,omitempty"`
}

// ProfileDetail is a profile with viewer relationship state attached.
type ProfileDetail struct {
	ProfileView
	Viewer *ViewerState `json:"viewer,omitempty"`
}

// ListView describes one moderation list the user subscribes to.
type ListView struct {
	URI           string      `json:"uri"`
	Name          string      `json:"name"`
	Purpose       string      `json:"purpose"`
	Creator       ProfileView `json:"creator"`
	ListItemCount int         `json:"listItemCount"`
}

// ListPurposeModeration is the purpose value of curated moderation lists.
const ListPurposeModeration = "app.bsky.graph.defs#modlist"

// BlockRecord is one record from the user's own block collection, which
// carries the record key and authoritative creation time that the
// getBlocks listing omits.
type BlockRecord struct {
	Subject   string
	RKey      string
	CreatedAt time.Time
}

// CreateBlock creates a block record for the subject in the user's
// repository and returns the record's AT-URI and record key.
func (c *Client) CreateBlock(ctx context.Context, subjectDID string) (uri, rkey string, err error) {
	client, did, err := c.getXRPC(ctx)
	if err != nil {
		return "", "", err
	}

	params := map[string]interface{}{
		"repo":       did,
		"collection": BlockCollection,
		"record": map[string]interface{}{
			"$type":     BlockCollection,
			"subject":   subjectDID,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		},
	}

	var result struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}

	if err := client.Do(ctx, xrpc.Procedure, "", "com.atproto.repo.createRecord", nil, params, &result); err != nil {
		return "", "", fmt.Errorf("failed to create block record: %w", wrapErr(err))
	}

	return result.URI, rkeyFromURI(result.URI), nil
}

// DeleteBlock deletes a block record by record key. This is the O(1)
// reversal path.
func (c *Client) DeleteBlock(ctx context.Context, rkey string) error {
	client, did, err := c.getXRPC(ctx)
	if err != nil {
		return err
	}

	params := map[string]interface{}{
		"repo":       did,
		"collection": BlockCollection,
		"rkey":       rkey,
	}

	if err := client.Do(ctx, xrpc.Procedure, "", "com.atproto.repo.deleteRecord", nil, params, nil); err != nil {
		return fmt.Errorf("failed to delete block record: %w", wrapErr(err))
	}

	return nil
}

// FindBlockRKey scans the user's own block collection for a record whose
// subject matches the given DID. Legacy path for entries created before
// record keys were tracked; returns "" when no record matches.
func (c *Client) FindBlockRKey(ctx context.Context, subjectDID string) (string, error) {
	records, err := c.listBlockRecords(ctx, func(r BlockRecord) bool {
		return r.Subject == subjectDID
	})
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[0].RKey, nil
}

// ListBlockRecords fetches the user's complete block collection,
// following the cursor until absent.
func (c *Client) ListBlockRecords(ctx context.Context) ([]BlockRecord, error) {
	return c.listBlockRecords(ctx, nil)
}

// listBlockRecords paginates com.atproto.repo.listRecords over the block
// collection. When stopAt is non-nil, pagination halts after the first
// matching record and only matches are returned.
func (c *Client) listBlockRecords(ctx context.Context, stopAt func(BlockRecord) bool) ([]BlockRecord, error) {
	client, did, err := c.getXRPC(ctx)
	if err != nil {
		return nil, err
	}

	var records []BlockRecord
	cursor := ""

	for {
		params := map[string]interface{}{
			"repo":       did,
			"collection": BlockCollection,
			"limit":      PageSize,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var page struct {
			Records []struct {
				URI   string `json:"uri"`
				Value struct {
					Subject   string    `json:"subject"`
					CreatedAt time.Time `json:"createdAt"`
				} `json:"value"`
			} `json:"records"`
			Cursor *string `json:"cursor,omitempty"`
		}

		if err := client.Do(ctx, xrpc.Query, "", "com.atproto.repo.listRecords", params, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list block records: %w", wrapErr(err))
		}

		for _, r := range page.Records {
			record := BlockRecord{
				Subject:   r.Value.Subject,
				RKey:      rkeyFromURI(r.URI),
				CreatedAt: r.Value.CreatedAt,
			}
			if stopAt != nil {
				if stopAt(record) {
					return []BlockRecord{record}, nil
				}
				continue
			}
			records = append(records, record)
		}

		if page.Cursor == nil || *page.Cursor == "" {
			break
		}
		cursor = *page.Cursor

		if err := c.pause(ctx); err != nil {
			return nil, err
		}
	}

	if stopAt != nil {
		return nil, nil
	}
	return records, nil
}

// Mute mutes an actor. Mutes live on the PDS as state, not records, so
// there is no record key to track.
func (c *Client) Mute(ctx context.Context, actorDID string) error {
	return c.muteProcedure(ctx, "app.bsky.graph.muteActor", actorDID)
}

// Unmute reverses a mute.
func (c *Client) Unmute(ctx context.Context, actorDID string) error {
	return c.muteProcedure(ctx, "app.bsky.graph.unmuteActor", actorDID)
}

func (c *Client) muteProcedure(ctx context.Context, nsid, actorDID string) error {
	client, _, err := c.getXRPC(ctx)
	if err != nil {
		return err
	}

	params := map[string]interface{}{"actor": actorDID}
	if err := client.Do(ctx, xrpc.Procedure, "", nsid, nil, params, nil); err != nil {
		return fmt.Errorf("%s failed: %w", nsid, wrapErr(err))
	}
	return nil
}

// GetBlocks fetches the complete remote block listing.
func (c *Client) GetBlocks(ctx context.Context) ([]ProfileView, error) {
	return c.graphListing(ctx, "app.bsky.graph.getBlocks", "blocks", nil)
}

// GetMutes fetches the complete remote mute listing.
func (c *Client) GetMutes(ctx context.Context) ([]ProfileView, error) {
	return c.graphListing(ctx, "app.bsky.graph.getMutes", "mutes", nil)
}

// GetFollows fetches the complete follow list for an actor.
func (c *Client) GetFollows(ctx context.Context, actor string) ([]ProfileView, error) {
	return c.graphListing(ctx, "app.bsky.graph.getFollows", "follows", map[string]interface{}{"actor": actor})
}

// GetFollowers fetches the complete follower list for an actor.
func (c *Client) GetFollowers(ctx context.Context, actor string) ([]ProfileView, error) {
	return c.graphListing(ctx, "app.bsky.graph.getFollowers", "followers", map[string]interface{}{"actor": actor})
}

// GetListMembers fetches the full membership of a moderation list.
func (c *Client) GetListMembers(ctx context.Context, listURI string) ([]ProfileView, error) {
	client, _, err := c.getXRPC(ctx)
	if err != nil {
		return nil, err
	}

	var members []ProfileView
	cursor := ""

	for {
		params := map[string]interface{}{
			"list":  listURI,
			"limit": PageSize,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var page struct {
			Items []struct {
				Subject ProfileView `json:"subject"`
			} `json:"items"`
			Cursor *string `json:"cursor,omitempty"`
		}

		if err := client.Do(ctx, xrpc.Query, "", "app.bsky.graph.getList", params, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to get list members: %w", wrapErr(err))
		}

		for _, item := range page.Items {
			members = append(members, item.Subject)
		}

		if page.Cursor == nil || *page.Cursor == "" {
			break
		}
		cursor = *page.Cursor

		if err := c.pause(ctx); err != nil {
			return nil, err
		}
	}

	return members, nil
}

// GetListBlocks fetches the moderation lists the user subscribes to with
// block semantics.
func (c *Client) GetListBlocks(ctx context.Context) ([]ListView, error) {
	return c.listListing(ctx, "app.bsky.graph.getListBlocks")
}

// GetListMutes fetches the moderation lists the user subscribes to with
// mute semantics. The caller filters these to moderation-purpose lists;
// mute subscriptions can also target curation lists.
func (c *Client) GetListMutes(ctx context.Context) ([]ListView, error) {
	return c.listListing(ctx, "app.bsky.graph.getListMutes")
}

func (c *Client) listListing(ctx context.Context, nsid string) ([]ListView, error) {
	client, _, err := c.getXRPC(ctx)
	if err != nil {
		return nil, err
	}

	var lists []ListView
	cursor := ""

	for {
		params := map[string]interface{}{"limit": PageSize}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var page struct {
			Lists  []ListView `json:"lists"`
			Cursor *string    `json:"cursor,omitempty"`
		}

		if err := client.Do(ctx, xrpc.Query, "", nsid, params, nil, &page); err != nil {
			return nil, fmt.Errorf("%s failed: %w", nsid, wrapErr(err))
		}

		lists = append(lists, page.Lists...)

		if page.Cursor == nil || *page.Cursor == "" {
			break
		}
		cursor = *page.Cursor

		if err := c.pause(ctx); err != nil {
			return nil, err
		}
	}

	return lists, nil
}

// UnsubscribeList removes the user's subscription to a moderation list,
// covering both flavors: the mute flavor is a PDS procedure, the block
// flavor is a listblock record located by scanning the user's own
// collection. A missing subscription record is a valid outcome, not an
// error.
func (c *Client) UnsubscribeList(ctx context.Context, listURI string) error {
	client, did, err := c.getXRPC(ctx)
	if err != nil {
		return err
	}

	params := map[string]interface{}{"list": listURI}
	if err := client.Do(ctx, xrpc.Procedure, "", "app.bsky.graph.unmuteActorList", nil, params, nil); err != nil {
		return fmt.Errorf("app.bsky.graph.unmuteActorList failed: %w", wrapErr(err))
	}

	rkey, err := c.findListBlockRKey(ctx, client, did, listURI)
	if err != nil {
		return err
	}
	if rkey == "" {
		return nil
	}

	del := map[string]interface{}{
		"repo":       did,
		"collection": ListBlockCollection,
		"rkey":       rkey,
	}
	if err := client.Do(ctx, xrpc.Procedure, "", "com.atproto.repo.deleteRecord", nil, del, nil); err != nil {
		return fmt.Errorf("failed to delete listblock record: %w", wrapErr(err))
	}

	return nil
}

// findListBlockRKey scans the user's listblock collection for a record
// whose subject matches the list URI.
func (c *Client) findListBlockRKey(ctx context.Context, client *xrpc.Client, did, listURI string) (string, error) {
	cursor := ""

	for {
		params := map[string]interface{}{
			"repo":       did,
			"collection": ListBlockCollection,
			"limit":      PageSize,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var page struct {
			Records []struct {
				URI   string `json:"uri"`
				Value struct {
					Subject string `json:"subject"`
				} `json:"value"`
			} `json:"records"`
			Cursor *string `json:"cursor,omitempty"`
		}

		if err := client.Do(ctx, xrpc.Query, "", "com.atproto.repo.listRecords", params, nil, &page); err != nil {
			return "", fmt.Errorf("failed to list listblock records: %w", wrapErr(err))
		}

		for _, r := range page.Records {
			if r.Value.Subject == listURI {
				return rkeyFromURI(r.URI), nil
			}
		}

		if page.Cursor == nil || *page.Cursor == "" {
			return "", nil
		}
		cursor = *page.Cursor

		if err := c.pause(ctx); err != nil {
			return "", err
		}
	}
}

// GetProfiles fetches up to ProfileBatchSize profiles with viewer
// relationship state in a single call.
func (c *Client) GetProfiles(ctx context.Context, dids []string) ([]ProfileDetail, error) {
	if len(dids) > ProfileBatchSize {
		return nil, fmt.Errorf("at most %d profiles per batch, got %d", ProfileBatchSize, len(dids))
	}

	client, _, err := c.getXRPC(ctx)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{"actors": dids}

	var result struct {
		Profiles []ProfileDetail `json:"profiles"`
	}

	if err := client.Do(ctx, xrpc.Query, "", "app.bsky.actor.getProfiles", params, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get profiles: %w", wrapErr(err))
	}

	return result.Profiles, nil
}

// graphListing paginates one of the app.bsky.graph listing endpoints
// whose page payload is a profile array under the given field name.
func (c *Client) graphListing(ctx context.Context, nsid, field string, extra map[string]interface{}) ([]ProfileView, error) {
	client, _, err := c.getXRPC(ctx)
	if err != nil {
		return nil, err
	}

	var profiles []ProfileView
	cursor := ""

	for {
		params := map[string]interface{}{"limit": PageSize}
		for k, v := range extra {
			params[k] = v
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var typed struct {
			Blocks    []ProfileView `json:"blocks"`
			Mutes     []ProfileView `json:"mutes"`
			Follows   []ProfileView `json:"follows"`
			Followers []ProfileView `json:"followers"`
			Cursor    *string       `json:"cursor,omitempty"`
		}

		if err := client.Do(ctx, xrpc.Query, "", nsid, params, nil, &typed); err != nil {
			return nil, fmt.Errorf("%s failed: %w", nsid, wrapErr(err))
		}

		switch field {
		case "blocks":
			profiles = append(profiles, typed.Blocks...)
		case "mutes":
			profiles = append(profiles, typed.Mutes...)
		case "follows":
			profiles = append(profiles, typed.Follows...)
		case "followers":
			profiles = append(profiles, typed.Followers...)
		}

		if typed.Cursor == nil || *typed.Cursor == "" {
			break
		}
		cursor = *typed.Cursor

		if err := c.pause(ctx); err != nil {
			return nil, err
		}
	}

	return profiles, nil
}

// rkeyFromURI extracts the trailing record key from an AT-URI.
func rkeyFromURI(uri string) string {
	for i := len(uri) - 1; i >= 0; i-- {
		if uri[i] == '/' {
			return uri[i+1:]
		}
	}
	return ""
}
