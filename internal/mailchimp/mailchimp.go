// Package mailchimp is the client of the Mailchimp marketing API (v3) for
// a single audience.
package mailchimp

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/spf13/cast"
)

const (
	StatusSubscribed = "subscribed"

	tagActive   = "active"
	tagInactive = "inactive"
)

// Filters accepted by GetSubscribersPage.
const (
	FilterSinceLastChanged   = "since_last_changed"
	FilterBeforeTimestampOpt = "before_timestamp_opt"
)

type membersPage struct {
	Members []mapping.Record `json:"members"`
}

type tag struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type tagsRequest struct {
	Tags []tag `json:"tags"`
}

// SubscriberID is the id Mailchimp derives from an email address: the md5
// hex digest of the trimmed, lower cased address.
func SubscriberID(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

func (c *Client) GetSubscriber(ctx context.Context, email string) (mapping.Record, error) {
	var member mapping.Record
	if err := c.do(
		ctx,
		http.MethodGet,
		c.listPath("/members/%s", SubscriberID(email)),
		nil,
		&member,
	); err != nil {
		return nil, err
	}

	return member, nil
}

// GetSubscribersPage returns up to count subscribers starting at offset,
// narrowed by the given query filters.
func (c *Client) GetSubscribersPage(
	ctx context.Context,
	count int,
	offset int,
	filters map[string]string,
) ([]mapping.Record, error) {
	query := url.Values{}
	for k, v := range filters {
		query.Set(k, v)
	}
	query.Set("count", strconv.Itoa(count))
	query.Set("offset", strconv.Itoa(offset))

	var page membersPage
	if err := c.do(
		ctx,
		http.MethodGet,
		c.listPath("/members?%s", query.Encode()),
		nil,
		&page,
	); err != nil {
		return nil, err
	}

	return page.Members, nil
}

// PutSubscriber creates or updates the subscriber addressed by the payload's
// email address. New subscribers are created as subscribed. Tags in the
// payload are applied through the tags endpoint since the member endpoint
// ignores them on update.
func (c *Client) PutSubscriber(ctx context.Context, data mapping.Record) (mapping.Record, error) {
	email := cast.ToString(data[mapping.EmailAddressKey])
	if email == "" {
		return nil, syncerr.Parse("mailchimp subscriber payload has no %s", mapping.EmailAddressKey)
	}

	body := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		if k == mapping.ParentTags {
			continue
		}
		body[k] = v
	}
	body["status_if_new"] = StatusSubscribed

	id := SubscriberID(email)

	var member mapping.Record
	if err := c.do(
		ctx,
		http.MethodPut,
		c.listPath("/members/%s", id),
		body,
		&member,
	); err != nil {
		return nil, err
	}

	tags := cast.ToStringSlice(data[mapping.ParentTags])
	if len(tags) > 0 {
		if err := c.AddTags(ctx, id, tags); err != nil {
			return member, err
		}
	}

	return member, nil
}

func (c *Client) UpdateMergeFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return c.do(
		ctx,
		http.MethodPatch,
		c.listPath("/members/%s", id),
		map[string]interface{}{mapping.ParentMergeFields: fields},
		nil,
	)
}

func (c *Client) RemoveTags(ctx context.Context, id string, tagNames ...string) error {
	return c.postTags(ctx, id, tagNames, tagInactive)
}

func (c *Client) AddTags(ctx context.Context, id string, tagNames []string) error {
	return c.postTags(ctx, id, tagNames, tagActive)
}

func (c *Client) postTags(ctx context.Context, id string, tagNames []string, status string) error {
	req := tagsRequest{Tags: make([]tag, 0, len(tagNames))}
	for _, name := range tagNames {
		req.Tags = append(req.Tags, tag{Name: name, Status: status})
	}

	return c.do(ctx, http.MethodPost, c.listPath("/members/%s/tags", id), req, nil)
}

// MemberTagNames returns the names of a member's tags. Mailchimp returns
// tags as a list of {id, name} objects.
func MemberTagNames(member mapping.Record) []string {
	raw, ok := member[mapping.ParentTags].([]interface{})
	if !ok {
		return cast.ToStringSlice(member[mapping.ParentTags])
	}

	names := make([]string, 0, len(raw))
	for _, t := range raw {
		switch v := t.(type) {
		case map[string]interface{}:
			names = append(names, cast.ToString(v["name"]))
		default:
			names = append(names, cast.ToString(v))
		}
	}
	return names
}
