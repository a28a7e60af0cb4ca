package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/config"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/clientcredentials"
)

// Client talks to the CRM REST API with an OAuth client credentials bearer
// token. Tokens are refreshed when they expire and when the API rejects a
// token as stale.
type Client struct {
	ApiURL       string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Logger       *log.Entry

	mu         sync.Mutex
	httpClient *http.Client
}

func New(cfg config.Crm, logger *log.Entry) *Client {
	return &Client{
		ApiURL:       strings.TrimRight(cfg.URL, "/"),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenEndpoint(),
		Logger:       logger,
	}
}

func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient == nil {
		oauthConfig := &clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
		}
		c.httpClient = oauthConfig.Client(context.Background())
	}

	return c.httpClient
}

// resetToken drops the cached token so the next request fetches a new one.
func (c *Client) resetToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient = nil
}

func (c *Client) Get(ctx context.Context, path string, result interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) Post(ctx context.Context, path string, body, result interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *Client) Put(ctx context.Context, path string, body, result interface{}) error {
	return c.do(ctx, http.MethodPut, path, body, result)
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
			return fmt.Errorf("encode crm request body: %w", err)
		}
	}

	status, respBody, err := c.send(ctx, method, path, payload)
	if err == nil && status == http.StatusUnauthorized {
		c.Logger.Debugf("crm rejected the access token, fetching a new one")
		c.resetToken()
		status, respBody, err = c.send(ctx, method, path, payload)
	}
	if err != nil {
		return syncerr.Wrap(syncerr.CodeRemoteCall, err, "crm %s %s", method, path)
	}

	if status == http.StatusNotFound {
		return syncerr.NotFound("crm %s %s: not found", method, path)
	}

	if status < 200 || status > 299 {
		return syncerr.Wrap(
			syncerr.CodeRemoteCall,
			fmt.Errorf("status %d: %s", status, truncate(respBody, 200)),
			"crm %s %s",
			method,
			path,
		)
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	c.Logger.Tracef("read %d bytes from crm, unmarshaling JSON...", len(respBody))

	if err := json.Unmarshal(respBody, result); err != nil {
		return syncerr.Wrap(syncerr.CodeRemoteCall, err, "decode crm %s %s", method, path)
	}

	return nil
}

func (c *Client) send(
	ctx context.Context,
	method string,
	path string,
	payload []byte,
) (int, []byte, error) {
	url := c.ApiURL + path

	c.Logger.Debugf("making crm request %s %s...", method, url)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return 0, nil, err
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	return resp.StatusCode, respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
