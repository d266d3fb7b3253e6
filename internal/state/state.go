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

// Package state holds the mutable state that lives for one process: the
// circuit breakers and the credential cache. It is built once in main and
// passed by pointer to the components that share it.
package state

import (
	"log/slog"
	"time"

	"github.com/ndx/notify/internal/breaker"
	"github.com/ndx/notify/internal/secrets"
)

// Breaker names as they appear in metrics.
const (
	EnrichBreaker = "enrich"
	EmailBreaker  = "email"
	ChatBreaker   = "chat"
)

// BreakerConfig sets one breaker's threshold and cooldown.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

// Config configures the process state.
type Config struct {
	Enrich BreakerConfig
	Email  BreakerConfig
	Chat   BreakerConfig
	// Now is the clock shared by the breakers; nil uses time.Now.
	Now func() time.Time
}

// Process is the per-process state.
type Process struct {
	EnrichBreaker *breaker.Breaker
	EmailBreaker  *breaker.Breaker
	ChatBreaker   *breaker.Breaker
	Secrets       *secrets.Cache
}

// New builds the process state around an existing credential cache.
func New(cfg Config, cache *secrets.Cache) *Process {
	return &Process{
		EnrichBreaker: breaker.New(EnrichBreaker, cfg.Enrich.Threshold, cfg.Enrich.Cooldown, cfg.Now),
		EmailBreaker:  breaker.New(EmailBreaker, cfg.Email.Threshold, cfg.Email.Cooldown, cfg.Now),
		ChatBreaker:   breaker.New(ChatBreaker, cfg.Chat.Threshold, cfg.Chat.Cooldown, cfg.Now),
		Secrets:       cache,
	}
}

// Reset returns every breaker to closed and drops cached credentials.
// Called once at startup.
func (p *Process) Reset() {
	p.EnrichBreaker.Reset()
	p.EmailBreaker.Reset()
	p.ChatBreaker.Reset()
	if p.Secrets != nil {
		p.Secrets.Reset()
	}
	slog.Info("process state reset")
}
