package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/duetcall/duet/internal/util"
)

// TokenFunc returns the current bearer credential. It is called per request
// so a refreshed token is picked up without rebuilding the client.
type TokenFunc func() string

// Client talks to the REST gateway. All methods take a context and return
// *APIError for gateway-reported failures.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	token   TokenFunc
}

func NewClient(baseURL string, token TokenFunc) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP: &http.Client{
			Timeout: util.DefaultRequestTimeout,
		},
		token: token,
	}
}

// doJSON performs one request, drains the response body, and decodes the
// envelope. out may be nil when the caller only cares about success.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode/100 != 2 || (decodeErr == nil && !env.Success) {
		ae := &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
		return ae
	}
	if decodeErr != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, decodeErr)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// JoinMatching enters the matching queue for the requested category.
func (c *Client) JoinMatching(ctx context.Context, req MatchRequest) (*MatchingStatus, error) {
	var st MatchingStatus
	if err := c.doJSON(ctx, http.MethodPost, "/matching/join", req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CancelMatching removes the caller from the matching queue.
func (c *Client) CancelMatching(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/matching", nil, nil)
}

// LeaveChannel tells the gateway the caller has left the audio channel.
func (c *Client) LeaveChannel(ctx context.Context, callID string) error {
	return c.doJSON(ctx, http.MethodPost, "/calls/"+callID+"/channel/leave", nil, nil)
}

// EndCall marks the call ended on the server. A conflict (call already ended
// by the partner) is returned as an *APIError the caller should pass through
// IsConflict and treat as success.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.doJSON(ctx, http.MethodPost, "/calls/"+callID+"/end", nil, nil)
}

// SubmitEvaluation rates a finished call. "Already evaluated" comes back as a
// conflict.
func (c *Client) SubmitEvaluation(ctx context.Context, ev Evaluation) error {
	return c.doJSON(ctx, http.MethodPost, "/evaluations", ev, nil)
}

// ListCategories fetches the interest categories used on the match form.
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var out []Category
	if err := c.doJSON(ctx, http.MethodGet, "/categories", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RequestFriend sends a friend request to a former call partner. "Already
// friends" and duplicate requests come back as conflicts.
func (c *Client) RequestFriend(ctx context.Context, partnerID string) (*FriendRequestResult, error) {
	body := map[string]string{"partnerId": partnerID}
	var out FriendRequestResult
	if err := c.doJSON(ctx, http.MethodPost, "/friends", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
