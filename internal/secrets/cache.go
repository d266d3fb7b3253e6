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

package secrets

import (
	"context"
	"log/slog"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ndx/notify/internal/logging"
	"github.com/ndx/notify/internal/redact"
)

const cacheKey = "credentials"

// Cache holds credentials for the process lifetime. Entries never expire;
// Reset is the only way to drop them.
type Cache struct {
	fetcher  Fetcher
	redactor *logging.Redactor

	mu    sync.Mutex
	store *gocache.Cache
}

// NewCache wraps fetcher. Fetched values are registered with redactor so
// they are scrubbed from every later log line.
func NewCache(fetcher Fetcher, redactor *logging.Redactor) *Cache {
	return &Cache{
		fetcher:  fetcher,
		redactor: redactor,
		store:    gocache.New(gocache.NoExpiration, 0),
	}
}

// Get returns cached credentials, fetching them on first use.
func (c *Cache) Get(ctx context.Context) (*Credentials, error) {
	if v, ok := c.store.Get(cacheKey); ok {
		return v.(*Credentials), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.store.Get(cacheKey); ok {
		return v.(*Credentials), nil
	}

	creds, err := c.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	if c.redactor != nil {
		c.redactor.Register(creds.EmailAPIKey)
		c.redactor.Register(creds.ChatWebhookURL)
	}
	c.store.Set(cacheKey, creds, gocache.NoExpiration)

	slog.Info("credentials loaded",
		"email_key_digest", redact.Digest(creds.EmailAPIKey),
		"webhook_url", redact.URL(creds.ChatWebhookURL),
	)
	return creds, nil
}

// Reset forgets cached credentials. Called at process start.
func (c *Cache) Reset() {
	c.store.Flush()
}
