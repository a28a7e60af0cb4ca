package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/config"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCrm struct {
	tokens    int32
	validTok  atomic.Value
	lastBody  atomic.Value
	lastQuery atomic.Value
}

func (f *fakeCrm) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.tokens, 1)
		tok := fmt.Sprintf("tok%d", n)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":3600}`, tok)
	})

	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		want, _ := f.validTok.Load().(string)
		if want == "" {
			want = "tok1"
		}
		if r.Header.Get("Authorization") != "Bearer "+want {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux.HandleFunc("/revision", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		fmt.Fprint(w, `{"revision": 4711}`)
	})

	mux.HandleFunc("/members", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		switch r.Method {
		case http.MethodGet:
			f.lastQuery.Store(r.URL.RawQuery)
			fmt.Fprint(w, `{"members": [{"id": 1, "firstName": "Hugo"}, {"id": 2, "firstName": "Anna"}]}`)
		case http.MethodPost:
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.lastBody.Store(body)
			fmt.Fprint(w, `{"id": 77}`)
		}
	})

	mux.HandleFunc("/members/1", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"id": 1, "firstName": "Hugo"}`)
		case http.MethodPut:
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.lastBody.Store(body)
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/members/500", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})

	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeCrm) {
	t.Helper()

	fake := &fakeCrm{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	c := New(config.Crm{
		ClientID:     "sync",
		ClientSecret: "s3cr3t",
		URL:          srv.URL + "/",
	}, logger.WithField("config", "test"))

	return c, fake
}

func TestClient_RevisionID(t *testing.T) {
	c, _ := newTestClient(t)

	rev, err := c.RevisionID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4711), rev)
}

func TestClient_ChangedMembers(t *testing.T) {
	c, fake := newTestClient(t)

	members, err := c.ChangedMembers(context.Background(), 12, 50, 100)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Hugo", members[0]["firstName"])
	assert.Equal(t, "changedSince=12&limit=50&offset=100", fake.lastQuery.Load())

	_, err = c.ChangedMembers(context.Background(), -1, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, "limit=50&offset=0", fake.lastQuery.Load())
}

func TestClient_MemberReadWrite(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t)

	member, err := c.Member(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Hugo", member["firstName"])

	payload := mapping.CrmPayload{"firstName": {{Value: "Hugo", Mode: mapping.ModeReplace}}}
	require.NoError(t, c.UpdateMember(ctx, "1", payload))
	assert.Equal(t, map[string]interface{}{
		"firstName": []interface{}{map[string]interface{}{"value": "Hugo", "mode": "replace"}},
	}, fake.lastBody.Load())

	id, err := c.CreateMember(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, "77", id)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	_, err := c.Member(ctx, "404")
	assert.True(t, syncerr.IsNotFound(err))

	err = c.UpdateMember(ctx, "500", mapping.CrmPayload{})
	assert.True(t, syncerr.Is(err, syncerr.CodeRemoteCall))
	assert.Contains(t, err.Error(), "boom")
}

func TestClient_RefreshesStaleToken(t *testing.T) {
	c, fake := newTestClient(t)

	_, err := c.RevisionID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.tokens))

	// the CRM revokes tok1; the client must fetch a new token and retry
	fake.validTok.Store("tok2")

	rev, err := c.RevisionID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4711), rev)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.tokens))
}
