package catalog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyAPIBase  = "https://api.spotify.com/v1"
)

// SpotifyClient implements Gateway against the Spotify Web API using the
// client-credentials flow. The access token is cached until shortly before
// expiry.
type SpotifyClient struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewSpotifyClient(clientID, clientSecret string) *SpotifyClient {
	return &SpotifyClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

type spotifyTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type spotifyImage struct {
	URL string `json:"url"`
}

type spotifyArtist struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Images []spotifyImage `json:"images"`
}

type spotifySearchResponse struct {
	Artists struct {
		Items []spotifyArtist `json:"items"`
	} `json:"artists"`
}

type spotifyTrack struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DurationMS int    `json:"duration_ms"`
	PreviewURL string `json:"preview_url"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Images []spotifyImage `json:"images"`
	} `json:"album"`
}

type spotifyTopTracksResponse struct {
	Tracks []spotifyTrack `json:"tracks"`
}

func (c *SpotifyClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spotifyTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	creds := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+creds)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("spotify token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("spotify token request: status %d: %s", resp.StatusCode, body)
	}

	var tok spotifyTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.accessToken = tok.AccessToken
	// Refresh a minute early to dodge in-flight expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}

func (c *SpotifyClient) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	u := spotifyAPIBase + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("spotify request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("spotify request %s: status %d: %s", endpoint, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *SpotifyClient) SearchArtists(ctx context.Context, query string) ([]Artist, error) {
	var raw spotifySearchResponse
	err := c.get(ctx, "/search", url.Values{
		"q":     {query},
		"type":  {"artist"},
		"limit": {"10"},
	}, &raw)
	if err != nil {
		return nil, err
	}

	artists := make([]Artist, 0, len(raw.Artists.Items))
	for _, a := range raw.Artists.Items {
		artist := Artist{ID: a.ID, Name: a.Name}
		if len(a.Images) > 0 {
			artist.ImageURL = a.Images[0].URL
		}
		artists = append(artists, artist)
	}
	return artists, nil
}

func (c *SpotifyClient) ArtistTopTracks(ctx context.Context, artistID string) ([]Track, error) {
	var raw spotifyTopTracksResponse
	err := c.get(ctx, "/artists/"+artistID+"/top-tracks", url.Values{
		"market": {"US"},
	}, &raw)
	if err != nil {
		return nil, err
	}

	tracks := make([]Track, 0, len(raw.Tracks))
	for _, t := range raw.Tracks {
		track := Track{
			ID:          t.ID,
			Title:       t.Name,
			PreviewURL:  t.PreviewURL,
			DurationSec: t.DurationMS / 1000,
		}
		if len(t.Artists) > 0 {
			track.ArtistName = t.Artists[0].Name
		}
		if len(t.Album.Images) > 0 {
			track.AlbumArtURL = t.Album.Images[0].URL
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

var _ Gateway = (*SpotifyClient)(nil)
