package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/storage"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/sync"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoints map[string]string

func (f fakeEndpoints) EndpointBySecret(ctx context.Context, secret string) (*storage.Endpoint, error) {
	name, ok := f[secret]
	if !ok {
		return nil, syncerr.NotFound("mailchimp endpoint")
	}
	return &storage.Endpoint{ConfigName: name, Secret: secret}, nil
}

type fakeHandler struct {
	events []*sync.Event
	err    error
}

func (f *fakeHandler) HandleMailchimpEvent(ctx context.Context, event *sync.Event) error {
	f.events = append(f.events, event)
	return f.err
}

func newTestServer(t *testing.T) (*Server, *fakeHandler, *[]string) {
	t.Helper()

	logger, _ := test.NewNullLogger()
	handler := &fakeHandler{}
	var built []string

	s := New(
		fakeEndpoints{"s3cr3t": "greens"},
		func(configName string) (EventHandler, error) {
			built = append(built, configName)
			return handler, nil
		},
		logger,
	)

	return s, handler, &built
}

func postForm(t *testing.T, s *Server, path string, form url.Values) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.App().Test(req)
	require.NoError(t, err)
	return resp
}

func TestServer_ValidateWebhook(t *testing.T) {
	s, _, _ := newTestServer(t)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/webhook/s3cr3t", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/webhook/wrong", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ReceiveWebhook(t *testing.T) {
	s, handler, built := newTestServer(t)

	resp := postForm(t, s, "/webhook/s3cr3t", url.Values{
		"type":                {"unsubscribe"},
		"fired_at":            {"2024-03-01 10:00:00"},
		"data[email]":         {"hugo@example.org"},
		"data[merges][CRMID]": {"42"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, handler.events, 1)
	assert.Equal(t, "unsubscribe", handler.events[0].Type)
	assert.Equal(t, map[string]interface{}{"CRMID": "42"}, handler.events[0].Data["merges"])
	assert.Equal(t, []string{"greens"}, *built)
}

func TestServer_ReceiveWebhook_Errors(t *testing.T) {
	s, handler, _ := newTestServer(t)

	resp := postForm(t, s, "/webhook/wrong", url.Values{"type": {"subscribe"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postForm(t, s, "/webhook/s3cr3t", url.Values{"data[email]": {"hugo@example.org"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	handler.err = errors.New("crm down")
	resp = postForm(t, s, "/webhook/s3cr3t", url.Values{"type": {"profile"}})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "crm down")
}
