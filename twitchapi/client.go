// Package twitchapi contains the identity-provider and Helix metadata
// clients: token validation and refresh against id.twitch.tv, and channel
// metadata (title/category) against api.twitch.tv.
package twitchapi

import (
	"fmt"
	"net/http"
)

const (
	defaultAuthBase  = "https://id.twitch.tv"
	defaultHelixBase = "https://api.twitch.tv"
)

// Client talks to the Twitch auth and Helix endpoints. Base URLs default to
// production and are overridable for tests.
type Client struct {
	ClientID     string
	ClientSecret string
	AuthBase     string
	HelixBase    string
	HTTPClient   *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) authBase() string {
	if c.AuthBase != "" {
		return c.AuthBase
	}
	return defaultAuthBase
}

func (c *Client) helixBase() string {
	if c.HelixBase != "" {
		return c.HelixBase
	}
	return defaultHelixBase
}

// StatusError is a non-2xx response from a Twitch endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("twitch: unexpected status %d: %s", e.Status, e.Body)
}
