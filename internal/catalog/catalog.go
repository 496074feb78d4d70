// Package catalog is the gateway to the external music metadata provider.
// The game only needs two lookups: artist search, and an artist's top tracks
// with preview audio.
package catalog

import "context"

type Artist struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
}

type Track struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	ArtistName  string `json:"artist_name"`
	PreviewURL  string `json:"preview_url,omitempty"`
	AlbumArtURL string `json:"album_art_url,omitempty"`
	DurationSec int    `json:"duration_sec"`
}

type Gateway interface {
	SearchArtists(ctx context.Context, query string) ([]Artist, error)
	ArtistTopTracks(ctx context.Context, artistID string) ([]Track, error)
}
