package bluesky

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Facet marks a byte range of post text as a structured feature (link or
// mention). The network renders links and mentions only via facets, never
// from raw markup, so detection is a required publish step.
type Facet struct {
	Index    ByteSpan  `json:"index"`
	Features []Feature `json:"features"`
}

// ByteSpan is a half-open [Start, End) range in UTF-8 bytes of the post text.
type ByteSpan struct {
	Start int `json:"byteStart"`
	End   int `json:"byteEnd"`
}

// Feature is a single facet feature.
type Feature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
	Did  string `json:"did,omitempty"`
}

const (
	featureLink    = "app.bsky.richtext.facet#link"
	featureMention = "app.bsky.richtext.facet#mention"
)

// HandleResolver resolves a handle to a DID; Client satisfies it.
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

var (
	// Mentions: @handle.domain preceded by start-of-text or whitespace/paren.
	mentionPattern = regexp.MustCompile(`(?:^|[\s(])(@([a-zA-Z0-9][a-zA-Z0-9-]*(?:\.[a-zA-Z0-9][a-zA-Z0-9-]*)+))`)
	// Links: bare http(s) URLs.
	linkPattern = regexp.MustCompile(`https?://[^\s]+`)
)

// trailing punctuation that reads as sentence structure, not part of a URL.
const linkTrimSet = `.,;:!?)]'"`

// DetectFacets scans text for mentions and links and converts them into the
// structured annotations the network requires. Offsets are UTF-8 byte
// offsets. A mention whose handle does not resolve is left as plain text,
// matching the platform's own richtext behavior.
func DetectFacets(ctx context.Context, text string, resolver HandleResolver) []Facet {
	var facets []Facet

	for _, m := range mentionPattern.FindAllStringSubmatchIndex(text, -1) {
		// Group 1 is "@handle", group 2 the bare handle.
		start, end := m[2], m[3]
		handle := text[m[4]:m[5]]
		did, err := resolver.ResolveHandle(ctx, handle)
		if err != nil {
			slog.Debug("mention did not resolve, leaving as plain text",
				slog.String("handle", handle), slog.Any("err", err))
			continue
		}
		facets = append(facets, Facet{
			Index:    ByteSpan{Start: start, End: end},
			Features: []Feature{{Type: featureMention, Did: did}},
		})
	}

	for _, m := range linkPattern.FindAllStringIndex(text, -1) {
		start, end := m[0], m[1]
		uri := strings.TrimRight(text[start:end], linkTrimSet)
		end = start + len(uri)
		if end <= start {
			continue
		}
		facets = append(facets, Facet{
			Index:    ByteSpan{Start: start, End: end},
			Features: []Feature{{Type: featureLink, URI: uri}},
		})
	}

	sort.Slice(facets, func(i, j int) bool {
		return facets[i].Index.Start < facets[j].Index.Start
	})
	return facets
}
