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

// Package app wires the notification pipeline from configuration. Both the
// server and the replay tool build the same graph so a replayed event takes
// exactly the path a live one would.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ndx/notify/internal/approval"
	"github.com/ndx/notify/internal/chat"
	"github.com/ndx/notify/internal/config"
	"github.com/ndx/notify/internal/deadletter"
	"github.com/ndx/notify/internal/dedup"
	"github.com/ndx/notify/internal/email"
	"github.com/ndx/notify/internal/enrich"
	"github.com/ndx/notify/internal/lookup"
	"github.com/ndx/notify/internal/logging"
	"github.com/ndx/notify/internal/pipeline"
	"github.com/ndx/notify/internal/secrets"
	"github.com/ndx/notify/internal/state"
	"github.com/ndx/notify/internal/validate"
)

// App holds the wired pipeline and the connections it owns.
type App struct {
	Handler    *pipeline.Handler
	DeadLetter *deadletter.Sink
	Approvals  *approval.Store
	State      *state.Process

	Redis   *redis.Client
	Pool    *pgxpool.Pool
	Lookups *lookup.Store
}

// SetupLogging installs the redacting JSON handler as the process default.
func SetupLogging(level string) *logging.Redactor {
	redactor := logging.NewRedactor()
	slog.SetDefault(slog.New(logging.NewHandler(os.Stdout, logging.ParseLevel(level), redactor)))
	return redactor
}

// New connects to Redis and Postgres and builds every component. Process
// state is reset before the first event is handled.
func New(ctx context.Context, cfg *config.Config, redactor *logging.Redactor) (*App, error) {
	redactor.Register(cfg.Secrets.ClientSecret)
	redactor.Register(cfg.DeadLetter.SigningKey)

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	slog.Info("connected to Redis")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		rdb.Close()
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	a := &App{Redis: rdb, Pool: pool}
	if err := a.build(ctx, cfg, redactor); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, redactor *logging.Redactor) error {
	hc := secrets.OAuth2Client(ctx, cfg.Secrets.ClientID, cfg.Secrets.ClientSecret, cfg.Secrets.TokenURL, cfg.Secrets.Scopes)
	cache := secrets.NewCache(secrets.NewClient(hc, cfg.Secrets.BaseURL, cfg.Secrets.Name), redactor)

	a.State = state.New(state.Config{
		Enrich: state.BreakerConfig(cfg.Breakers.Enrich),
		Email:  state.BreakerConfig(cfg.Breakers.Email),
		Chat:   state.BreakerConfig(cfg.Breakers.Chat),
	}, cache)
	a.State.Reset()

	sink, err := deadletter.NewSink(a.Redis, []byte(cfg.DeadLetter.SigningKey),
		deadletter.WithKeys(cfg.DeadLetter.Key, cfg.DeadLetter.QuarantineKey),
		deadletter.WithRetention(cfg.DeadLetter.Retention),
	)
	if err != nil {
		return err
	}
	a.DeadLetter = sink

	approvals, err := approval.NewStore(ctx, a.Pool)
	if err != nil {
		return err
	}
	a.Approvals = approvals

	a.Lookups = lookup.NewStore(a.Pool)
	engine := enrich.NewEngine(a.Lookups, a.State.EnrichBreaker, enrich.Config{
		Deadline:      cfg.Enrichment.Deadline,
		StaleAfter:    cfg.Enrichment.StaleAfter,
		DriftRatio:    cfg.Enrichment.DriftRatio,
		DefaultSSOURL: cfg.Enrichment.SSOURL,
	})

	chatSender := chat.NewSender(cache, a.State.ChatBreaker, chat.Config{
		Timeout:       cfg.Chat.Timeout,
		RatePerSecond: cfg.Chat.RatePerSecond,
		Burst:         cfg.Chat.Burst,
	})
	escalator := chat.NewEscalator(chatSender)

	emailSender := email.NewSender(cache, a.State.EmailBreaker, escalator, email.Config{
		Host:        cfg.Email.Host,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		PortalURL:   cfg.Email.PortalURL,
		MaxRetries:  cfg.Email.MaxRetries,
		BaseBackoff: cfg.Email.BaseBackoff,
	})

	guard := dedup.NewGuard(a.Redis,
		dedup.WithPrefix(firstNonEmpty(cfg.Redis.DedupPrefix, dedup.DefaultPrefix)),
		dedup.WithTTLs(cfg.Redis.InProgressTTL, cfg.Redis.CompletedTTL),
	)

	a.Handler = pipeline.New(pipeline.Deps{
		AllowList:  validate.NewAllowList(cfg.AllowList.Sources, cfg.AllowList.Accounts),
		Validator:  validate.New(),
		Guard:      guard,
		Enricher:   engine,
		Email:      emailSender,
		Chat:       chatSender,
		DeadLetter: sink,
		Approvals:  approvals,
		Escalator:  escalator,
	}, pipeline.Config{
		Timeout:   cfg.HandlerTimeout,
		Templates: email.Templates(cfg.Templates()),
		Links:     chat.Links{ConsoleURL: cfg.Chat.ConsoleURL},
	})

	slog.Info("pipeline wired",
		"templates", len(cfg.Email.Templates),
		"allowed_sources", len(cfg.AllowList.Sources),
		"allowed_accounts", len(cfg.AllowList.Accounts),
	)
	return nil
}

// Close releases the connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
