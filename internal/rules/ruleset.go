// Package rules provides the bonus catalog and the evaluation engine.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/opencare/kasan/internal/domain"
)

// CompiledBonus pairs a bonus definition with the pre-compiled programs of
// its expression conditions, keyed by condition index.
type CompiledBonus struct {
	Def      *domain.BonusDefinition
	programs map[int]cel.Program
}

// Program returns the compiled program for the condition at index i,
// nil for non-expression conditions.
func (b *CompiledBonus) Program(i int) cel.Program {
	return b.programs[i]
}

// RuleSet holds the compiled bonus catalogs, one snapshot per tenant.
// Snapshots are immutable once installed; a reload swaps the whole slice.
type RuleSet struct {
	mu      sync.RWMutex
	env     *cel.Env
	tenants map[string][]*CompiledBonus
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() (*RuleSet, error) {
	env, err := newConditionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}

	return &RuleSet{
		env:     env,
		tenants: make(map[string][]*CompiledBonus),
	}, nil
}

// ValidateDefinition compiles and validates a definition without
// installing it. Used by the master API before persisting.
func (s *RuleSet) ValidateDefinition(def *domain.BonusDefinition) error {
	if def == nil {
		return fmt.Errorf("bonus definition is required")
	}
	if def.Code == "" || def.Name == "" {
		return fmt.Errorf("code and name are required")
	}
	if def.InsuranceType != domain.InsuranceMedical && def.InsuranceType != domain.InsuranceCare {
		return fmt.Errorf("insurance type must be medical or care, got %q", def.InsuranceType)
	}
	if def.MonthlyCap != nil && *def.MonthlyCap <= 0 {
		return fmt.Errorf("monthly cap must be positive, got %d", *def.MonthlyCap)
	}

	_, err := s.compile(def)
	return err
}

// Load compiles and installs the enabled definitions for a tenant,
// replacing any previous snapshot. Definitions that fail to compile are
// skipped; their ConfigErrors are joined into the returned error while the
// valid remainder still loads. A broken catalog entry must not take the
// rest of the catalog down with it.
func (s *RuleSet) Load(tenantID string, defs []*domain.BonusDefinition) error {
	compiled := make([]*CompiledBonus, 0, len(defs))
	var errs []error

	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		cb, err := s.compile(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		compiled = append(compiled, cb)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Def.Priority != compiled[j].Def.Priority {
			return compiled[i].Def.Priority < compiled[j].Def.Priority
		}
		return compiled[i].Def.Code < compiled[j].Def.Code
	})

	s.mu.Lock()
	s.tenants[tenantID] = compiled
	s.mu.Unlock()

	return errors.Join(errs...)
}

// Loaded reports whether a tenant snapshot has been installed.
func (s *RuleSet) Loaded(tenantID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tenants[tenantID]
	return ok
}

// Count returns the number of loaded bonuses for a tenant.
func (s *RuleSet) Count(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants[tenantID])
}

// Definitions returns the currently loaded definitions for a tenant.
func (s *RuleSet) Definitions(tenantID string) []*domain.BonusDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*domain.BonusDefinition, 0, len(s.tenants[tenantID]))
	for _, cb := range s.tenants[tenantID] {
		defs = append(defs, cb.Def)
	}
	return defs
}

// RulesFor returns the bonuses applicable to a patient, in priority order.
// Filters by insurance type and special-management prerequisite; the order
// is the exclusion-group tie-break.
func (s *RuleSet) RulesFor(tenantID string, insurance domain.InsuranceType, specialManagementTypes []string) []*CompiledBonus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	smSet := make(map[string]bool, len(specialManagementTypes))
	for _, c := range specialManagementTypes {
		smSet[c] = true
	}

	var out []*CompiledBonus
	for _, cb := range s.tenants[tenantID] {
		if cb.Def.InsuranceType != insurance {
			continue
		}
		if cb.Def.RequiredSpecialManagement != "" && !smSet[cb.Def.RequiredSpecialManagement] {
			continue
		}
		out = append(out, cb)
	}
	return out
}

// Close clears all snapshots.
func (s *RuleSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = make(map[string][]*CompiledBonus)
	return nil
}

func (s *RuleSet) compile(def *domain.BonusDefinition) (*CompiledBonus, error) {
	cb := &CompiledBonus{
		Def:      def,
		programs: make(map[int]cel.Program),
	}

	for i, cond := range def.Conditions {
		if err := validateCondition(cond); err != nil {
			return nil, configErr(def, cond, err)
		}
		if cond.Pattern == domain.PatternExpression {
			prog, err := compileExpression(s.env, cond.Expression)
			if err != nil {
				return nil, configErr(def, cond, err)
			}
			cb.programs[i] = prog
		}
	}

	return cb, nil
}
