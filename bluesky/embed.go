package bluesky

// AspectRatio hints the display proportions of an embedded image when true
// dimensions are unknown.
type AspectRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// EmbedImage is one uploaded image plus its accessibility caption.
type EmbedImage struct {
	Alt         string       `json:"alt"`
	Image       Blob         `json:"image"`
	AspectRatio *AspectRatio `json:"aspectRatio,omitempty"`
}

// ImageEmbed is the images embed block of a post record.
type ImageEmbed struct {
	Type   string       `json:"$type"`
	Images []EmbedImage `json:"images"`
}

// NewImageEmbed assembles an images embed with the correct record type tag.
func NewImageEmbed(images ...EmbedImage) *ImageEmbed {
	return &ImageEmbed{Type: "app.bsky.embed.images", Images: images}
}
