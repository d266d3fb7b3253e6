// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets fetches the notification credentials from the secret
// store and caches them for the lifetime of the process.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/ndx/notify/internal/failure"
)

const (
	// VersionStage pins reads to the current version rather than "latest".
	VersionStage = "CURRENT"

	maxBodyBytes = 64 << 10
)

// Credentials is the single secret consumed by the senders.
type Credentials struct {
	EmailAPIKey    string `json:"emailApiKey"`
	ChatWebhookURL string `json:"chatWebhookUrl"`
}

// Fetcher retrieves credentials from the backing store.
type Fetcher interface {
	Fetch(ctx context.Context) (*Credentials, error)
}

// secretResponse is the secret store's envelope.
type secretResponse struct {
	Name         string `json:"name"`
	VersionID    string `json:"versionId"`
	VersionStage string `json:"versionStage"`
	SecretString string `json:"secretString"`
}

// Client reads one named secret over an authenticated HTTP client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	name       string
}

// NewClient creates a secret store client. httpClient should carry the
// store's credentials, see OAuth2Client.
func NewClient(httpClient *http.Client, baseURL, name string) *Client {
	return &Client{httpClient: httpClient, baseURL: baseURL, name: name}
}

// OAuth2Client builds an HTTP client that authenticates with the client
// credentials grant.
func OAuth2Client(ctx context.Context, clientID, clientSecret, tokenURL string, scopes []string) *http.Client {
	creds := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return creds.Client(ctx)
}

// Fetch reads the CURRENT version of the secret.
func (c *Client) Fetch(ctx context.Context) (*Credentials, error) {
	u := fmt.Sprintf("%s/secrets/%s?versionStage=%s", c.baseURL, url.PathEscape(c.name), VersionStage)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, failure.Wrap(failure.Retriable, "secrets.fetch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, failure.Criticalf("secrets.fetch", "secret store returned HTTP %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, failure.Criticalf("secrets.fetch", "secret %q not found", c.name)
	case resp.StatusCode != http.StatusOK:
		return nil, failure.Retriablef("secrets.fetch", "secret store returned HTTP %d", resp.StatusCode)
	}

	var sr secretResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&sr); err != nil {
		return nil, failure.Wrap(failure.Retriable, "secrets.fetch", fmt.Errorf("decode response: %w", err))
	}
	if sr.VersionStage != VersionStage {
		return nil, failure.Criticalf("secrets.fetch", "secret store returned version stage %q", sr.VersionStage)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(sr.SecretString), &creds); err != nil {
		return nil, failure.Criticalf("secrets.fetch", "secret value is not valid JSON")
	}
	if creds.EmailAPIKey == "" || creds.ChatWebhookURL == "" {
		return nil, failure.Criticalf("secrets.fetch", "secret is missing emailApiKey or chatWebhookUrl")
	}
	return &creds, nil
}
