// Package crm is the client of the CRM member API.
//
// Endpoints used:
//
//	GET  /revision                          {"revision": 123}
//	GET  /members?changedSince=&limit=&offset=  {"members": [...]}
//	GET  /members/{id}                      member object
//	PUT  /members/{id}                      {key: [{value, mode}]}
//	POST /members                           {key: [{value, mode}]} -> {"id": 123}
package crm

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/spf13/cast"
)

type revisionResponse struct {
	Revision *int64 `json:"revision"`
}

type membersResponse struct {
	Members []mapping.Record `json:"members"`
}

type createResponse struct {
	ID interface{} `json:"id"`
}

// RevisionID returns the CRM's current change counter.
func (c *Client) RevisionID(ctx context.Context) (int64, error) {
	var resp revisionResponse
	if err := c.Get(ctx, "/revision", &resp); err != nil {
		return 0, err
	}

	if resp.Revision == nil {
		return 0, syncerr.Parse("crm revision response is missing revision")
	}

	return *resp.Revision, nil
}

// ChangedMembers returns up to limit members changed after the given
// revision, starting at offset. A negative revision returns all members.
func (c *Client) ChangedMembers(
	ctx context.Context,
	sinceRevision int64,
	limit int,
	offset int,
) ([]mapping.Record, error) {
	query := url.Values{}
	if sinceRevision >= 0 {
		query.Set("changedSince", strconv.FormatInt(sinceRevision, 10))
	}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))

	var resp membersResponse
	if err := c.Get(ctx, "/members?"+query.Encode(), &resp); err != nil {
		return nil, err
	}

	return resp.Members, nil
}

func (c *Client) Member(ctx context.Context, id string) (mapping.Record, error) {
	var member mapping.Record
	if err := c.Get(ctx, memberPath(id), &member); err != nil {
		return nil, err
	}

	if member == nil {
		return nil, syncerr.NotFound("crm member %s", id)
	}

	return member, nil
}

func (c *Client) UpdateMember(ctx context.Context, id string, payload mapping.CrmPayload) error {
	return c.Put(ctx, memberPath(id), payload, nil)
}

// CreateMember adds a member and returns the id the CRM assigned.
func (c *Client) CreateMember(ctx context.Context, payload mapping.CrmPayload) (string, error) {
	var resp createResponse
	if err := c.Post(ctx, "/members", payload, &resp); err != nil {
		return "", err
	}

	id := cast.ToString(resp.ID)
	if id == "" {
		return "", syncerr.Parse("crm create member response is missing id")
	}

	return id, nil
}

func memberPath(id string) string {
	return fmt.Sprintf("/members/%s", url.PathEscape(id))
}
