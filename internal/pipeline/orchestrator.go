// Package pipeline runs collection cycles across source adapters and exposes
// the scheduled jobs of the system.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"prodintel/internal/crawler"
	"prodintel/internal/ingest"
	"prodintel/internal/model"
	"prodintel/internal/observability"
)

const DefaultWorkers = 5

// Target is one (source, category) pair of a cycle. Category is a store
// domain for catalog sources and a tag for social ones.
type Target struct {
	Source   string
	Category string
	Limit    int
}

type Stage string

const (
	StageConfig    Stage = "config"
	StageFetch     Stage = "fetch"
	StageIngest    Stage = "ingest"
	StageCancelled Stage = "cancelled"
)

type Failure struct {
	Source   string `json:"source"`
	Category string `json:"category"`
	Stage    Stage  `json:"stage"`
	Error    string `json:"error"`
}

type CycleSummary struct {
	Targets   int            `json:"targets"`
	Fetched   int            `json:"fetched"`
	PerSource map[string]int `json:"per_source"`
	Ingested  int            `json:"ingested"`
	Failures  []Failure      `json:"failures"`
	Duration  time.Duration  `json:"duration"`
}

// Ingester persists one pair's records.
type Ingester interface {
	Ingest(ctx context.Context, raws []model.RawProductRecord) (ingest.Result, error)
}

// Orchestrator fans targets out to a fixed pool of workers. Each pair is
// fetched and ingested on its own, so one failing pair never affects the
// others.
type Orchestrator struct {
	registry *crawler.Registry
	ingester Ingester
	workers  int
	log      *zap.Logger
}

func NewOrchestrator(registry *crawler.Registry, ingester Ingester, workers int, log *zap.Logger) *Orchestrator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Orchestrator{
		registry: registry,
		ingester: ingester,
		workers:  workers,
		log:      observability.OrNop(log).Named("orchestrator"),
	}
}

// Run executes one cycle. It always returns a summary; cancellation marks
// the pairs that never started as cancelled.
func (o *Orchestrator) Run(ctx context.Context, targets []Target) CycleSummary {
	started := time.Now()
	sum := CycleSummary{Targets: len(targets), PerSource: make(map[string]int), Failures: []Failure{}}
	var mu sync.Mutex
	record := func(fn func(*CycleSummary)) {
		mu.Lock()
		fn(&sum)
		mu.Unlock()
	}

	jobs := make(chan Target)
	var wg sync.WaitGroup
	for i := 0; i < min(o.workers, len(targets)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				o.process(ctx, t, record)
			}
		}()
	}

	for i, t := range targets {
		select {
		case jobs <- t:
			continue
		case <-ctx.Done():
		}
		for _, rest := range targets[i:] {
			record(func(s *CycleSummary) {
				s.Failures = append(s.Failures, failure(rest, StageCancelled, ctx.Err()))
			})
		}
		break
	}
	close(jobs)
	wg.Wait()

	sum.Duration = time.Since(started)
	o.log.Info("cycle finished",
		zap.Int("targets", sum.Targets),
		zap.Int("fetched", sum.Fetched),
		zap.Int("ingested", sum.Ingested),
		zap.Int("failures", len(sum.Failures)),
		zap.Duration("took", sum.Duration))
	return sum
}

func (o *Orchestrator) process(ctx context.Context, t Target, record func(func(*CycleSummary))) {
	fail := func(stage Stage, err error) {
		record(func(s *CycleSummary) { s.Failures = append(s.Failures, failure(t, stage, err)) })
	}
	if err := ctx.Err(); err != nil {
		fail(StageCancelled, err)
		return
	}
	adapter, ok := o.registry.Get(t.Source)
	if !ok {
		o.log.Warn("no adapter for source", zap.String("source", t.Source))
		fail(StageConfig, fmt.Errorf("no adapter registered for %q", t.Source))
		return
	}

	log := o.log.With(zap.String("source", t.Source), zap.String("category", t.Category))
	recs, err := adapter.FetchCandidates(ctx, t.Category, t.Limit)
	if err != nil {
		if ctx.Err() != nil {
			fail(StageCancelled, ctx.Err())
			return
		}
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			log.Warn("fetch failed", zap.String("kind", string(fe.Kind)), zap.Error(fe.Err))
		} else {
			log.Warn("fetch failed", zap.Error(err))
		}
		fail(StageFetch, err)
	}
	record(func(s *CycleSummary) {
		s.Fetched += len(recs)
		s.PerSource[t.Source] += len(recs)
	})
	if len(recs) == 0 {
		return
	}
	if ctx.Err() != nil {
		fail(StageCancelled, ctx.Err())
		return
	}

	res, err := o.ingester.Ingest(ctx, recs)
	if err != nil {
		log.Error("ingest failed", zap.Int("records", len(recs)), zap.Error(err))
		fail(StageIngest, err)
		return
	}
	record(func(s *CycleSummary) { s.Ingested += res.Written() })
	log.Debug("pair done", zap.Int("fetched", len(recs)), zap.Int("written", res.Written()))
}

func failure(t Target, stage Stage, err error) Failure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Failure{Source: t.Source, Category: t.Category, Stage: stage, Error: msg}
}
