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

package sheets

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"google.golang.org/api/googleapi"
)

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = circuitbreaker.ErrOpen

// BreakerConfig configures the circuit breaker guarding API calls.
type BreakerConfig struct {
	Name string

	// MinRequests is the window over which the failure ratio is evaluated.
	MinRequests uint
	// FailureRatio trips the breaker once exceeded within the window.
	FailureRatio float64
	// Delay is how long the breaker stays open before probing again.
	Delay time.Duration
}

// DefaultBreakerConfig returns the defaults used for the Google backend.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "google-sheets",
		MinRequests:  10,
		FailureRatio: 0.5,
		Delay:        30 * time.Second,
	}
}

// Breaker fails fast while the spreadsheet service is unhealthy. There is no
// retry: a rejected call is simply one more open that is not recorded.
type Breaker struct {
	cb   circuitbreaker.CircuitBreaker[any]
	name string
}

// NewBreaker builds a breaker from cfg, filling zero values with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = def.FailureRatio
	}
	if cfg.Delay == 0 {
		cfg.Delay = def.Delay
	}

	threshold := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if threshold < 1 {
		threshold = 1
	}

	name := cfg.Name
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(threshold, cfg.MinRequests).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(1).
		HandleIf(func(_ any, err error) bool {
			return isServiceFailure(err)
		}).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("circuit breaker state change",
				"circuit_breaker", name,
				"from_state", stateName(e.OldState),
				"to_state", stateName(e.NewState),
			)
		}).
		Build()

	return &Breaker{cb: cb, name: name}
}

// Call runs fn through the breaker. A nil Breaker runs fn directly.
func (b *Breaker) Call(fn func() error) error {
	if b == nil {
		return fn()
	}
	_, err := failsafe.With[any](b.cb).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// isServiceFailure reports whether err says something about the health of
// the service. Missing tabs and other request errors do not trip the breaker;
// rate limiting does.
func isServiceFailure(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
	}
	return true
}

// IsOpen reports whether calls are currently being rejected.
func (b *Breaker) IsOpen() bool {
	return b != nil && b.cb.IsOpen()
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
