// Package studio talks to the remote content-curation server. Every call is
// best-effort: a connection failure or timeout surfaces as an error the caller
// is expected to degrade on, never as a crash.
package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sushibar/internal/domain"
)

// ErrNoToken is returned before any network call when no credential was
// supplied, so callers can report the distinct "no token" failure reason.
var ErrNoToken = errors.New("no token provided")

const defaultTimeout = 30 * time.Second

type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Authenticator is the token-validation surface of the client.
type Authenticator interface {
	AuthenticateUser(ctx context.Context, server, token, email string) (User, error)
}

// User describes the account the content server associates with a token.
type User struct {
	Username  string `json:"username"`
	IsAdmin   bool   `json:"is_admin"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// AuthenticateUser checks a token against the content server. If email is
// non-empty it must match the account on record.
func (c *Client) AuthenticateUser(ctx context.Context, server, token, email string) (User, error) {
	var out struct {
		Success   bool   `json:"success"`
		Username  string `json:"username"`
		IsAdmin   bool   `json:"is_admin"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := c.post(ctx, server, "authenticate_user_internal", token, map[string]any{}, &out); err != nil {
		return User{}, err
	}
	if !out.Success {
		return User{}, errors.New("token not recognized by content server")
	}
	if email != "" && email != out.Username {
		return User{}, errors.New("token valid but content server has a different email on file")
	}
	return User{Username: out.Username, IsAdmin: out.IsAdmin, FirstName: out.FirstName, LastName: out.LastName}, nil
}

// GetNodeChildren fetches the immediate children of one content node. A nil
// nodeID fetches the root level.
func (c *Client) GetNodeChildren(ctx context.Context, server, token, channelID, nodeID string) ([]domain.TreeNode, error) {
	body := map[string]any{"channel_id": channelID}
	if nodeID != "" {
		body["node_id"] = nodeID
	}
	var out struct {
		Tree []domain.TreeNode `json:"tree"`
	}
	if err := c.post(ctx, server, "get_node_tree_data", token, body, &out); err != nil {
		return nil, err
	}
	return out.Tree, nil
}

// GetChannelStatusBulk fetches authoritative statuses for many channels in one
// request. The returned map may be missing entries for channels the server
// does not know about.
func (c *Client) GetChannelStatusBulk(ctx context.Context, server, token string, channelIDs []string) (map[string]string, error) {
	var out struct {
		Statuses map[string]string `json:"statuses"`
	}
	if err := c.post(ctx, server, "get_channel_status_bulk", token, map[string]any{"channel_ids": channelIDs}, &out); err != nil {
		return nil, err
	}
	return out.Statuses, nil
}

// ActivateChannel deploys a staged channel to the live tree.
func (c *Client) ActivateChannel(ctx context.Context, server, token, channelID string) error {
	return c.postSuccess(ctx, server, "activate_channel_internal", token, map[string]any{"channel_id": channelID})
}

// PublishChannel makes a channel exportable to client devices.
func (c *Client) PublishChannel(ctx context.Context, server, token, channelID string) error {
	return c.postSuccess(ctx, server, "publish_channel", token, map[string]any{"channel_id": channelID})
}

// FinishChannel moves the chef tree to the staging tree or the main tree and
// returns the resulting channel id.
func (c *Client) FinishChannel(ctx context.Context, server, token, channelID string, stage bool) (string, error) {
	var out struct {
		Success    bool   `json:"success"`
		NewChannel string `json:"new_channel"`
	}
	if err := c.post(ctx, server, "finish_channel", token, map[string]any{"channel_id": channelID, "stage": stage}, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", errors.New("content server rejected finish_channel")
	}
	return out.NewChannel, nil
}

// CheckChannelIsStaged reports whether the channel currently has a staged tree.
func (c *Client) CheckChannelIsStaged(ctx context.Context, server, token, channelID string) (bool, error) {
	var out struct {
		Staged bool `json:"staged"`
	}
	if err := c.post(ctx, server, "check_channel_is_staged", token, map[string]any{"channel_id": channelID}, &out); err != nil {
		return false, err
	}
	return out.Staged, nil
}

// NodeSummary is one entry of a tree comparison.
type NodeSummary struct {
	Title    string `json:"title"`
	Kind     string `json:"kind"`
	FileSize int64  `json:"file_size"`
}

// TreeComparison lists nodes added and removed relative to the previous tree.
type TreeComparison struct {
	New     map[string]NodeSummary `json:"new"`
	Deleted map[string]NodeSummary `json:"deleted"`
}

// CompareTrees diffs the staging or main tree against the previous tree.
func (c *Client) CompareTrees(ctx context.Context, server, token, channelID string, staging bool) (TreeComparison, error) {
	var out struct {
		Success bool `json:"success"`
		TreeComparison
	}
	if err := c.post(ctx, server, "compare_trees", token, map[string]any{"channel_id": channelID, "staging": staging}, &out); err != nil {
		return TreeComparison{}, err
	}
	if !out.Success {
		return TreeComparison{}, errors.New("content server rejected compare_trees")
	}
	return out.TreeComparison, nil
}

func (c *Client) postSuccess(ctx context.Context, server, path, token string, body map[string]any) error {
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, server, path, token, body, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("content server rejected %s", path)
	}
	return nil
}

func (c *Client) post(ctx context.Context, server, path, token string, body, out any) error {
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimRight(server, "/") + "/api/internal/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+token)
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach content server: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("content server returned status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
