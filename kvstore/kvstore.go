// Package kvstore abstracts the process-external key-value store holding the
// service's durable state: credential records, templates, and the OAuth
// anti-forgery state. Values are opaque strings (JSON blobs at the call
// sites); saves overwrite atomically per key.
package kvstore

import "context"

// Fixed alphabet of logical keys. Nothing else is ever stored.
const (
	KeyTwitchCredentials  = "twitch:credentials"
	KeyBlueskyCredentials = "bluesky:credentials"
	KeyPostTemplate       = "bluesky:post-template"
	KeyTitleTemplate      = "twitch:title-template"
	KeyTwitchAuthState    = "twitch:auth-state"
	KeyAuthReturnURL      = "auth:return-url"
)

// Store is the injected persistence capability. Get reports absence via the
// bool, not an error; Set is a full-value overwrite of a single key.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
