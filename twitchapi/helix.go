package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// GetUser resolves the authenticated user's id and login from the access token.
func (c *Client) GetUser(ctx context.Context, accessToken string) (id, login string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.helixBase()+"/helix/users", nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return "", "", err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", "", &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var body struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", err
	}
	if len(body.Data) == 0 {
		return "", "", errors.New("user not found")
	}
	return body.Data[0].ID, body.Data[0].Login, nil
}

// Category is a catalog entry from the games search endpoint.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SearchCategory looks up catalog entries matching the literal game name.
// An empty result is not an error; callers treat category sync as best-effort.
func (c *Client) SearchCategory(ctx context.Context, accessToken, name string) ([]Category, error) {
	if name == "" {
		return nil, errors.New("name empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.helixBase()+"/helix/games", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("name", name)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var body struct {
		Data []Category `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// ChannelInfo is the channel metadata record.
type ChannelInfo struct {
	BroadcasterID string `json:"broadcaster_id"`
	Title         string `json:"title"`
	GameID        string `json:"game_id"`
	GameName      string `json:"game_name"`
}

// GetChannel fetches the channel metadata record for a broadcaster.
func (c *Client) GetChannel(ctx context.Context, accessToken, broadcasterID string) (*ChannelInfo, error) {
	if broadcasterID == "" {
		return nil, errors.New("broadcasterID empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.helixBase()+"/helix/channels", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var body struct {
		Data []ChannelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, errors.New("channel not found")
	}
	return &body.Data[0], nil
}

// UpdateChannel patches the channel title and, when gameID is non-empty, the
// category. Twitch responds 204 on success.
func (c *Client) UpdateChannel(ctx context.Context, accessToken, broadcasterID, title, gameID string) error {
	if broadcasterID == "" {
		return errors.New("broadcasterID empty")
	}
	payload := map[string]string{"title": title}
	if gameID != "" {
		payload["game_id"] = gameID
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.helixBase()+"/helix/channels", bytes.NewReader(b))
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("twitch channel update failed: %s: %s", resp.Status, string(body))
	}
	return nil
}
