package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sykim1009/redfish-exporter/config"
)

// FailureKind classifies why a category produced no samples.
type FailureKind string

const (
	// KindNetwork covers connection and transport failures. Retrying is
	// the next scrape cycle's job, never this one's.
	KindNetwork FailureKind = "network"
	// KindAuth marks authentication failures that survived one re-login.
	KindAuth FailureKind = "auth"
	// KindDecode marks responses that could not be interpreted.
	KindDecode FailureKind = "decode"
)

// CategoryError records one failed category without aborting its siblings.
type CategoryError struct {
	Category string
	Kind     FailureKind
	Err      error
}

func (e *CategoryError) Error() string {
	return fmt.Sprintf("category %s: %s failure: %v", e.Category, e.Kind, e.Err)
}

func (e *CategoryError) Unwrap() error {
	return e.Err
}

// SentinelMetricName is the metric emitted for a failed category so its
// absence is observable in the metric stream itself. Alerting on this
// series carrying CodeFailed is a usable signal.
const SentinelMetricName = "scrape_status"

// Orchestrator drives one collection cycle: it resolves a session, fetches
// each configured category, and interprets the responses into one merged
// sample set. Categories are fetched concurrently; the merged output keeps
// configuration order regardless of completion order.
type Orchestrator struct {
	sessions *SessionManager
	logger   *slog.Logger

	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewOrchestrator returns an Orchestrator with the built-in strategies
// registered: the declarative interpreter as the default and "jq" for
// filter-driven profiles.
func NewOrchestrator(sessions *SessionManager, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		logger:   logger,
		strategies: map[string]Strategy{
			"":   &DeclarativeStrategy{interpreter: NewInterpreter(NewStatusMapper())},
			"jq": &JQStrategy{},
		},
	}
}

// RegisterStrategy makes a named strategy selectable through a profile's
// kind field.
func (o *Orchestrator) RegisterStrategy(kind string, strategy Strategy) {
	o.mu.Lock()
	o.strategies[kind] = strategy
	o.mu.Unlock()
}

func (o *Orchestrator) strategyFor(kind string) Strategy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if strategy, ok := o.strategies[kind]; ok {
		return strategy
	}
	o.logger.Warn("unknown profile kind, falling back to declarative interpretation", slog.String("kind", kind))
	return o.strategies[""]
}

// Collect runs one collection cycle for a profile against a target host.
// A failed category contributes a CategoryError plus a single sentinel
// sample and never aborts its siblings. The error return is reserved for
// being unable to establish a session at all.
func (o *Orchestrator) Collect(ctx context.Context, profileName string, profile *config.Profile, target string) ([]MetricSample, []*CategoryError, error) {
	// One session is shared by all category fetches for this target.
	if _, err := o.sessions.Acquire(ctx, profileName, target, profile); err != nil {
		return nil, nil, err
	}

	strategy := o.strategyFor(profile.Kind)

	perCategory := make([][]MetricSample, len(profile.Categories))
	failures := make([]*CategoryError, len(profile.Categories))

	g, ctx := errgroup.WithContext(ctx)
	for idx, category := range profile.Categories {
		g.Go(func() error {
			samples, catErr := o.collectCategory(ctx, strategy, profileName, profile, target, &category)
			perCategory[idx] = samples
			failures[idx] = catErr
			return nil
		})
	}
	// Goroutines only report through the slices; Wait cannot fail.
	_ = g.Wait()

	var merged []MetricSample
	var categoryErrors []*CategoryError
	for idx, category := range profile.Categories {
		if catErr := failures[idx]; catErr != nil {
			o.logger.Warn("category collection failed",
				slog.String("target", target),
				slog.String("category", category.Name),
				slog.String("kind", string(catErr.Kind)),
				slog.Any("error", catErr.Err))
			categoryErrors = append(categoryErrors, catErr)
			merged = append(merged, MetricSample{
				Category: category.Name,
				Name:     SentinelMetricName,
				Value:    CodeFailed,
			})
			continue
		}
		merged = append(merged, perCategory[idx]...)
	}
	return merged, categoryErrors, nil
}

func (o *Orchestrator) collectCategory(ctx context.Context, strategy Strategy, profileName string, profile *config.Profile, target string, category *config.Category) ([]MetricSample, *CategoryError) {
	if err := ctx.Err(); err != nil {
		return nil, &CategoryError{Category: category.Name, Kind: KindNetwork, Err: err}
	}

	resp, err := o.sessions.Execute(ctx, profileName, target, profile, category.BasePath)
	if err != nil {
		kind := KindNetwork
		if errors.Is(err, ErrAuthenticationFailed) {
			kind = KindAuth
		}
		return nil, &CategoryError{Category: category.Name, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CategoryError{Category: category.Name, Kind: KindNetwork, Err: err}
	}

	samples, err := strategy.Interpret(ctx, category, body)
	if err != nil {
		return nil, &CategoryError{Category: category.Name, Kind: KindDecode, Err: err}
	}
	return samples, nil
}
