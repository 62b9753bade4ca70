// Package authclient is the client half of the token protocol. A
// Coordinator wraps an HTTP doer, attaches the current access token and,
// when the server answers 401, refreshes the session exactly once no matter
// how many requests failed with the same stale token.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"teamchat/backend/internal/config"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnauthorized is returned when a request is refused even after a
	// successful refresh.
	ErrUnauthorized = errors.New("unauthorized after refresh")
	// ErrSessionEnded is returned once a refresh has failed. The caller
	// must log in again.
	ErrSessionEnded = errors.New("session ended")
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credentials is the token pair held by a client session.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Coordinator serializes token refresh for one client session.
type Coordinator struct {
	doer       Doer
	refreshURL string
	timeout    time.Duration

	// OnRefresh, if set, is called with every newly obtained pair.
	OnRefresh func(Credentials)

	mu       sync.Mutex
	creds    Credentials
	ended    bool
	inflight chan struct{} // non-nil while a refresh is running

	group singleflight.Group
}

// New creates a Coordinator that refreshes through refreshURL.
func New(doer Doer, refreshURL string, creds Credentials) *Coordinator {
	return &Coordinator{
		doer:       doer,
		refreshURL: refreshURL,
		timeout:    config.OpTimeout,
		creds:      creds,
	}
}

// Credentials returns the current pair.
func (c *Coordinator) Credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Ended reports whether the session has been terminated.
func (c *Coordinator) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Do sends req with the current access token. On 401 it refreshes the
// session and retries once. A second 401 is ErrUnauthorized; a failed
// refresh is ErrSessionEnded, for this and every later call.
func (c *Coordinator) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := rewindable(req); err != nil {
		return nil, err
	}

	token, err := c.awaitGate(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	discard(resp)

	if err := c.refresh(ctx, token); err != nil {
		return nil, err
	}

	token, err = c.awaitGate(ctx)
	if err != nil {
		return nil, err
	}
	resp, err = c.send(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, ErrUnauthorized
	}
	return resp, nil
}

// awaitGate blocks while a refresh is running and returns the access
// token to use.
func (c *Coordinator) awaitGate(ctx context.Context) (string, error) {
	for {
		c.mu.Lock()
		if c.ended {
			c.mu.Unlock()
			return "", ErrSessionEnded
		}
		gate := c.inflight
		token := c.creds.AccessToken
		c.mu.Unlock()

		if gate == nil {
			return token, nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// refresh makes sure the session moves past failed. Concurrent callers
// with the same stale token share one rotation and its outcome.
func (c *Coordinator) refresh(ctx context.Context, failed string) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	if c.creds.AccessToken != failed {
		// Someone else already refreshed.
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(failed, func() (any, error) {
		return nil, c.rotate(failed)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rotate performs the single refresh call. The gate is closed on every
// exit path.
func (c *Coordinator) rotate(failed string) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	if c.creds.AccessToken != failed {
		c.mu.Unlock()
		return nil
	}
	refreshToken := c.creds.RefreshToken
	gate := make(chan struct{})
	c.inflight = gate
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		close(gate)
	}()

	// The shared call must not die with whichever caller started it.
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	creds, err := c.callRefresh(ctx, refreshToken)
	if err != nil {
		c.mu.Lock()
		c.ended = true
		c.creds = Credentials{}
		c.mu.Unlock()
		log.Warn().Err(err).Msg("token refresh failed, session ended")
		return fmt.Errorf("%w: %v", ErrSessionEnded, err)
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	if c.OnRefresh != nil {
		c.OnRefresh(creds)
	}
	log.Debug().Msg("token pair refreshed")
	return nil
}

func (c *Coordinator) callRefresh(ctx context.Context, refreshToken string) (Credentials, error) {
	if refreshToken == "" {
		return Credentials{}, errors.New("no refresh token")
	}
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(config.RefreshHeaderName, refreshToken)

	resp, err := c.doer.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}
	var out Credentials
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credentials{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return Credentials{}, errors.New("refresh response missing tokens")
	}
	return out, nil
}

func (c *Coordinator) send(req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return c.doer.Do(r)
}

// rewindable buffers a request body so it can be sent twice.
func rewindable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.Body.Close()
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
