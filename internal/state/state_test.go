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

package state

import (
	"context"
	"testing"
	"time"

	"github.com/ndx/notify/internal/breaker"
	"github.com/ndx/notify/internal/secrets"
)

type countingFetcher struct{ n int }

func (f *countingFetcher) Fetch(context.Context) (*secrets.Credentials, error) {
	f.n++
	return &secrets.Credentials{EmailAPIKey: "k", ChatWebhookURL: "https://hooks.example.com/x"}, nil
}

// TestReset verifies breakers close and credentials are refetched.
func TestReset(t *testing.T) {
	f := &countingFetcher{}
	p := New(Config{
		Enrich: BreakerConfig{Threshold: 1, Cooldown: time.Minute},
		Email:  BreakerConfig{Threshold: 1, Cooldown: time.Minute},
		Chat:   BreakerConfig{Threshold: 1, Cooldown: time.Minute},
	}, secrets.NewCache(f, nil))

	for _, b := range []*breaker.Breaker{p.EnrichBreaker, p.EmailBreaker, p.ChatBreaker} {
		b.Failure()
		if b.State() != breaker.Open {
			t.Fatalf("%s did not open", b.Name())
		}
	}
	ctx := context.Background()
	if _, err := p.Secrets.Get(ctx); err != nil {
		t.Fatal(err)
	}

	p.Reset()

	for _, b := range []*breaker.Breaker{p.EnrichBreaker, p.EmailBreaker, p.ChatBreaker} {
		if b.State() != breaker.Closed {
			t.Errorf("%s state = %v after reset", b.Name(), b.State())
		}
	}
	if _, err := p.Secrets.Get(ctx); err != nil {
		t.Fatal(err)
	}
	if f.n != 2 {
		t.Errorf("fetches = %d, want 2", f.n)
	}
}
