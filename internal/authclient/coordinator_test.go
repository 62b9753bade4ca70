package authclient_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"teamchat/backend/internal/authclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer accepts exactly one access token at a time and rotates it on
// /refresh.
type tokenServer struct {
	mu      sync.Mutex
	access  string
	refresh string
	gen     int

	refreshCalls atomic.Int32
	refreshDelay time.Duration
	refreshFails bool
	alwaysDeny   bool
	bodies       []string
}

func (s *tokenServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)
		time.Sleep(s.refreshDelay)

		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.refreshFails || body.RefreshToken != s.refresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.gen++
		s.access = "access-" + string(rune('a'+s.gen))
		s.refresh = "refresh-" + string(rune('a'+s.gen))
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": s.access, "refreshToken": s.refresh})
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(data))
		ok := !s.alwaysDeny && r.Header.Get("Authorization") == "Bearer "+s.access
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func newServer(t *testing.T, s *tokenServer) *httptest.Server {
	t.Helper()
	s.access, s.refresh = "access-a", "refresh-a"
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, c *authclient.Coordinator, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return c.Do(req)
}

func TestCoordinator_PassesThroughWithValidToken(t *testing.T) {
	ts := &tokenServer{}
	srv := newServer(t, ts)
	c := authclient.New(srv.Client(), srv.URL+"/refresh", authclient.Credentials{AccessToken: "access-a", RefreshToken: "refresh-a"})

	resp, err := get(t, c, srv.URL+"/data")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, ts.refreshCalls.Load())
}

func TestCoordinator_ConcurrentExpiryRefreshesOnce(t *testing.T) {
	ts := &tokenServer{refreshDelay: 50 * time.Millisecond}
	srv := newServer(t, ts)
	ts.access = "access-z" // the client's token is stale

	var refreshed atomic.Int32
	c := authclient.New(srv.Client(), srv.URL+"/refresh", authclient.Credentials{AccessToken: "access-a", RefreshToken: "refresh-a"})
	c.OnRefresh = func(authclient.Credentials) { refreshed.Add(1) }

	const k = 20
	var wg sync.WaitGroup
	errs := make(chan error, k)
	codes := make(chan int, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := get(t, c, srv.URL+"/data")
			if err != nil {
				errs <- err
				return
			}
			codes <- resp.StatusCode
			resp.Body.Close()
		}()
	}
	wg.Wait()
	close(errs)
	close(codes)

	for err := range errs {
		t.Errorf("request failed: %v", err)
	}
	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.EqualValues(t, 1, ts.refreshCalls.Load(), "exactly one refresh for one stale token")
	assert.EqualValues(t, 1, refreshed.Load())
	assert.Equal(t, "access-b", c.Credentials().AccessToken)
}

func TestCoordinator_SecondUnauthorizedIsTerminal(t *testing.T) {
	ts := &tokenServer{alwaysDeny: true}
	srv := newServer(t, ts)
	c := authclient.New(srv.Client(), srv.URL+"/refresh", authclient.Credentials{AccessToken: "access-a", RefreshToken: "refresh-a"})

	_, err := get(t, c, srv.URL+"/data")
	assert.ErrorIs(t, err, authclient.ErrUnauthorized)
	assert.EqualValues(t, 1, ts.refreshCalls.Load(), "no refresh loop")
	assert.False(t, c.Ended())
}

func TestCoordinator_RefreshFailureEndsSession(t *testing.T) {
	ts := &tokenServer{refreshFails: true, refreshDelay: 20 * time.Millisecond}
	srv := newServer(t, ts)
	ts.access = "access-z"
	c := authclient.New(srv.Client(), srv.URL+"/refresh", authclient.Credentials{AccessToken: "access-a", RefreshToken: "refresh-a"})

	const k = 5
	var wg sync.WaitGroup
	var ended atomic.Int32
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := get(t, c, srv.URL+"/data"); assert.ErrorIs(t, err, authclient.ErrSessionEnded) {
				ended.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, k, ended.Load(), "every waiter sees the failure")
	assert.EqualValues(t, 1, ts.refreshCalls.Load())
	assert.True(t, c.Ended())
	assert.Empty(t, c.Credentials().RefreshToken)

	before := len(ts.bodies)
	_, err := get(t, c, srv.URL+"/data")
	assert.ErrorIs(t, err, authclient.ErrSessionEnded)
	assert.Len(t, ts.bodies, before, "an ended session sends nothing")
}

func TestCoordinator_RetryReplaysBody(t *testing.T) {
	ts := &tokenServer{}
	srv := newServer(t, ts)
	ts.access = "access-z"
	c := authclient.New(srv.Client(), srv.URL+"/refresh", authclient.Credentials{AccessToken: "access-a", RefreshToken: "refresh-a"})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/data", io.NopCloser(strings.NewReader("payload")))
	require.NoError(t, err)
	req.GetBody = nil

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, []string{"payload", "payload"}, ts.bodies)
}
