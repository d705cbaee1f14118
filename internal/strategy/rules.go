package strategy

import (
	"context"
	"fmt"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
)

// NamePriorityRule is the registry name of the priority-rule strategy.
const NamePriorityRule = "priority-rule"

// Rule assigns a priority to changes matching a predicate.
type Rule struct {
	// Name describes the rule for logs.
	Name string

	// Match decides whether the rule applies to a change.
	Match func(model.Change) bool

	// Priority is assigned on match.
	Priority model.Priority
}

// PriorityRule evaluates an ordered rule list against each change and
// enqueues it at the priority of the first matching rule. A default catch-all
// priority guarantees every item gets one.
type PriorityRule struct {
	enq   Enqueuer
	rules []Rule
	def   model.Priority
}

// NewPriorityRule creates the strategy. Rules are evaluated in order,
// first match wins; def applies when nothing matches.
func NewPriorityRule(enq Enqueuer, rules []Rule, def model.Priority) *PriorityRule {
	if !def.IsValid() {
		def = model.PriorityMedium
	}
	return &PriorityRule{enq: enq, rules: rules, def: def}
}

// Name returns the registry name.
func (p *PriorityRule) Name() string { return NamePriorityRule }

// Execute enqueues each change at its rule-derived priority.
func (p *PriorityRule) Execute(ctx context.Context, changes []model.Change) (Result, error) {
	processed := 0
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return Result{ItemsProcessed: processed}, err
		}

		priority, rule := p.classify(change)
		if err := p.enq.Enqueue(change, priority); err != nil {
			return Result{ItemsProcessed: processed},
				fmt.Errorf("priority-rule enqueue failed for %s/%s: %w", change.EntityType, change.EntityID, err)
		}

		logging.Debug("change classified",
			logging.Entity(string(change.EntityType), change.EntityID),
			logging.PriorityAttr(string(priority)),
			"rule", rule,
		)
		processed++
	}

	return Result{
		ItemsProcessed: processed,
		Message:        fmt.Sprintf("classified and enqueued %d change(s)", processed),
	}, nil
}

// classify returns the priority of the first matching rule, or the default.
func (p *PriorityRule) classify(change model.Change) (model.Priority, string) {
	for _, r := range p.rules {
		if r.Match != nil && r.Match(change) {
			return r.Priority, r.Name
		}
	}
	return p.def, "default"
}
