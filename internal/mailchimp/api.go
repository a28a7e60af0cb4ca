package mailchimp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/config"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	log "github.com/sirupsen/logrus"
)

const defaultURLFormat = "https://%s.api.mailchimp.com/3.0"

// Client is a Mailchimp marketing API client bound to one audience (list).
// Requests are retried on 429 and 5xx responses.
type Client struct {
	ApiKey  string
	ListID  string
	BaseURL string
	Logger  *log.Entry

	httpClient *retryablehttp.Client
}

func New(cfg config.Mailchimp, logger *log.Entry) (*Client, error) {
	baseURL := strings.TrimRight(cfg.URL, "/")
	if baseURL == "" {
		dc, err := dataCenter(cfg.ApiKey)
		if err != nil {
			return nil, err
		}
		baseURL = fmt.Sprintf(defaultURLFormat, dc)
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.Logger = nil

	return &Client{
		ApiKey:     cfg.ApiKey,
		ListID:     cfg.ListID,
		BaseURL:    baseURL,
		Logger:     logger,
		httpClient: httpClient,
	}, nil
}

// dataCenter extracts the data center from an api key like "abc123-us12".
func dataCenter(apiKey string) (string, error) {
	idx := strings.LastIndex(apiKey, "-")
	if idx < 0 || idx == len(apiKey)-1 {
		return "", syncerr.Config("mailchimp api key has no data center suffix")
	}
	return apiKey[idx+1:], nil
}

func (c *Client) listPath(format string, args ...interface{}) string {
	return fmt.Sprintf("/lists/%s", c.ListID) + fmt.Sprintf(format, args...)
}

func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body interface{},
	result interface{},
) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode mailchimp request body: %w", err)
		}
	}

	url := c.BaseURL + path

	c.Logger.Debugf("making mailchimp request %s %s...", method, url)

	var reqBody interface{}
	if payload != nil {
		reqBody = payload
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("build mailchimp request: %w", err)
	}

	req.SetBasicAuth("anystring", c.ApiKey)
	req.Header.Add("Accept", "application/json")
	if payload != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeRemoteCall, err, "mailchimp %s %s", method, path)
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeRemoteCall, err, "read mailchimp %s %s", method, path)
	}

	if resp.StatusCode == http.StatusNotFound {
		return syncerr.NotFound("mailchimp %s %s: not found", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return syncerr.Wrap(
			syncerr.CodeRemoteCall,
			fmt.Errorf("status %d: %s", resp.StatusCode, errorDetail(respBody)),
			"mailchimp %s %s",
			method,
			path,
		)
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	c.Logger.Tracef("read %d bytes from mailchimp, unmarshaling JSON...", len(respBody))

	if err := json.Unmarshal(respBody, result); err != nil {
		return syncerr.Wrap(syncerr.CodeRemoteCall, err, "decode mailchimp %s %s", method, path)
	}

	return nil
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// errorDetail renders Mailchimp's problem+json error body.
func errorDetail(body []byte) string {
	var p problem
	if err := json.Unmarshal(body, &p); err == nil && (p.Title != "" || p.Detail != "") {
		return strings.TrimSpace(p.Title + " " + p.Detail)
	}

	if len(body) > 200 {
		return string(body[:200]) + "..."
	}
	return string(body)
}
