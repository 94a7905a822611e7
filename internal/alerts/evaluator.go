package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"prodintel/internal/match"
	"prodintel/internal/model"
	"prodintel/internal/observability"
	"prodintel/internal/repository"
)

const (
	ViralWindow      = 7 * 24 * time.Hour
	ViralSnapshots   = 10
	LowSaturationMax = 5

	nameInMessage = 50
)

type EvaluatorOptions struct {
	Notifiers []Notifier
	// Suppressor, when set, holds back a rule that already fired until its
	// condition clears.
	Suppressor Suppressor
	Matcher    match.Matcher
	Logger     *zap.Logger
}

type Evaluator struct {
	rules     repository.AlertStore
	products  repository.ProductStore
	notifiers []Notifier
	suppress  Suppressor
	matcher   match.Matcher
	log       *zap.Logger
	now       func() time.Time
}

func NewEvaluator(rules repository.AlertStore, products repository.ProductStore, opts EvaluatorOptions) *Evaluator {
	if opts.Matcher == nil {
		opts.Matcher = match.PrefixMatcher{}
	}
	return &Evaluator{
		rules:     rules,
		products:  products,
		notifiers: opts.Notifiers,
		suppress:  opts.Suppressor,
		matcher:   opts.Matcher,
		log:       observability.OrNop(opts.Logger).Named("alerts"),
		now:       time.Now,
	}
}

// Report summarizes one Check.
type Report struct {
	Checked    int                `json:"checked"`
	Fired      int                `json:"fired"`
	Suppressed int                `json:"suppressed"`
	Errors     int                `json:"errors"`
	Events     []model.AlertEvent `json:"events"`
}

// Check evaluates every active rule once. A rule that cannot be evaluated is
// logged and counted; it never stops the others. Only failing to list the
// rules is returned as an error.
func (e *Evaluator) Check(ctx context.Context) (Report, error) {
	rules, err := e.rules.ListRules(ctx, true)
	if err != nil {
		return Report{}, fmt.Errorf("list active rules: %w", err)
	}
	rep := Report{Events: []model.AlertEvent{}}
	c := &checkRun{Evaluator: e, now: e.now().UTC()}

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		ev, fired, err := c.evaluate(ctx, rule)
		if err != nil {
			rep.Errors++
			e.log.Error("rule evaluation failed", zap.String("rule", rule.ID.String()), zap.Error(err))
			continue
		}
		key := rule.ID.String()
		if !fired {
			e.release(ctx, key)
			continue
		}
		if !e.acquire(ctx, key) {
			rep.Suppressed++
			continue
		}

		rep.Fired++
		rep.Events = append(rep.Events, ev)
		observability.AlertsFiredTotal.WithLabelValues(string(rule.Kind)).Inc()
		e.notify(ctx, ev)
	}

	e.log.Info("alert check completed",
		zap.Int("checked", rep.Checked),
		zap.Int("fired", rep.Fired),
		zap.Int("suppressed", rep.Suppressed),
		zap.Int("errors", rep.Errors))
	return rep, nil
}

func (e *Evaluator) acquire(ctx context.Context, key string) bool {
	if e.suppress == nil {
		return true
	}
	ok, err := e.suppress.Acquire(ctx, key)
	if err != nil {
		e.log.Warn("suppression lookup failed, firing anyway", zap.String("rule", key), zap.Error(err))
		return true
	}
	return ok
}

func (e *Evaluator) release(ctx context.Context, key string) {
	if e.suppress == nil {
		return
	}
	if err := e.suppress.Release(ctx, key); err != nil {
		e.log.Warn("suppression release failed", zap.String("rule", key), zap.Error(err))
	}
}

// notify sends ev through every notifier. A failing channel is logged and
// skipped.
func (e *Evaluator) notify(ctx context.Context, ev model.AlertEvent) {
	for _, n := range e.notifiers {
		if err := n.Send(ctx, ev.Message); err != nil {
			observability.NotificationsTotal.WithLabelValues(n.Name(), "error").Inc()
			e.log.Error("notification failed",
				zap.String("channel", n.Name()),
				zap.String("rule", ev.RuleID.String()),
				zap.Error(err))
			continue
		}
		observability.NotificationsTotal.WithLabelValues(n.Name(), "sent").Inc()
	}
}

// checkRun holds state shared by the rules of one Check.
type checkRun struct {
	*Evaluator
	now time.Time
	all []model.CanonicalProduct
}

func (c *checkRun) evaluate(ctx context.Context, rule model.AlertRule) (model.AlertEvent, bool, error) {
	p, err := c.products.GetProduct(ctx, rule.ProductID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.log.Warn("rule references a missing product", zap.String("rule", rule.ID.String()))
			return model.AlertEvent{}, false, nil
		}
		return model.AlertEvent{}, false, err
	}

	var (
		fired bool
		msg   string
	)
	name := shorten(p.Name, nameInMessage)
	switch rule.Kind {
	case model.AlertPriceDrop:
		if rule.Threshold != nil && p.Price.LessThanOrEqual(*rule.Threshold) {
			fired = true
			msg = fmt.Sprintf("Price drop: %s is now $%s (threshold $%s)",
				name, p.Price.StringFixed(2), rule.Threshold.StringFixed(2))
		}
	case model.AlertNewViral:
		n, err := c.products.CountSnapshotsSince(ctx, p.ID, c.now.Add(-ViralWindow))
		if err != nil {
			return model.AlertEvent{}, false, fmt.Errorf("count snapshots: %w", err)
		}
		if n > ViralSnapshots {
			fired = true
			msg = fmt.Sprintf("Viral product: %s - %d reviews", name, p.ReviewCount)
		}
	case model.AlertLowSaturation:
		n, err := c.competitors(ctx, *p)
		if err != nil {
			return model.AlertEvent{}, false, err
		}
		if n < LowSaturationMax {
			fired = true
			msg = fmt.Sprintf("Opportunity: %s - only %d competitors", name, n)
		}
	default:
		return model.AlertEvent{}, false, fmt.Errorf("%w: %q", ErrUnknownKind, rule.Kind)
	}
	if !fired {
		return model.AlertEvent{}, false, nil
	}
	return model.AlertEvent{RuleID: rule.ID, ProductID: p.ID, Kind: rule.Kind, Message: msg}, true, nil
}

// competitors counts the other products whose names match p's. The product
// list is loaded once per run.
func (c *checkRun) competitors(ctx context.Context, p model.CanonicalProduct) (int, error) {
	if c.all == nil {
		all, err := c.products.ListProducts(ctx)
		if err != nil {
			return 0, fmt.Errorf("list products: %w", err)
		}
		if prep, ok := c.matcher.(match.Preparer); ok {
			names := make([]string, len(all))
			for i, q := range all {
				names[i] = q.Name
			}
			if err := prep.Prepare(ctx, names); err != nil {
				c.log.Warn("matcher preparation failed, using fallback", zap.Error(err))
			}
		}
		c.all = all
	}
	n := 0
	for _, q := range c.all {
		if q.ID != p.ID && c.matcher.Similar(p.Name, q.Name) {
			n++
		}
	}
	return n, nil
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
