// Package twitchapi contains minimal Twitch Helix helpers for finding the
// category a channel is streaming, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// ErrUserNotFound is returned when a login does not resolve.
var ErrUserNotFound = errors.New("twitchapi: user not found")

// HelixClient provides the few Helix calls game detection needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return defaultBaseURL
}

// get issues an authenticated GET and decodes the JSON body into out.
func (hc *HelixClient) get(ctx context.Context, path string, query map[string]string, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("helix %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", map[string]string{"login": login}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", ErrUserNotFound
	}
	return body.Data[0].ID, nil
}

// StreamGame returns the category of the channel's live stream and whether it
// is live at all.
func (hc *HelixClient) StreamGame(ctx context.Context, login string) (string, bool, error) {
	if login == "" {
		return "", false, fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			GameName string `json:"game_name"`
			Type     string `json:"type"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/streams", map[string]string{"user_login": login}, &body); err != nil {
		return "", false, err
	}
	if len(body.Data) == 0 {
		return "", false, nil
	}
	return body.Data[0].GameName, true, nil
}

// ChannelGame returns the channel's configured category, which is kept while
// the channel is offline.
func (hc *HelixClient) ChannelGame(ctx context.Context, login string) (string, error) {
	id, err := hc.GetUserID(ctx, login)
	if err != nil {
		return "", err
	}
	var body struct {
		Data []struct {
			GameName string `json:"game_name"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/channels", map[string]string{"broadcaster_id": id}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", nil
	}
	return body.Data[0].GameName, nil
}

// Game returns the live category when the channel is streaming and the
// channel's configured category otherwise.
func (hc *HelixClient) Game(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	game, live, err := hc.StreamGame(ctx, login)
	if err != nil {
		return "", err
	}
	if live {
		return game, nil
	}
	return hc.ChannelGame(ctx, login)
}
