package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/opencare/kasan/internal/aggregate"
	"github.com/opencare/kasan/internal/domain"
)

// evaluateCondition tests one condition of a bonus definition against a
// record and its aggregate context. prog is the pre-compiled program for
// expression conditions, nil otherwise.
//
// An unknown pattern or malformed descriptor returns a ConfigError; the
// caller skips the owning bonus and keeps going.
func evaluateCondition(cond domain.Condition, prog cel.Program, def *domain.BonusDefinition, rec *domain.VisitRecord, agg *aggregate.Context) (bool, error) {
	switch cond.Pattern {
	case domain.PatternFieldNotEmpty:
		value, ok := rec.StringField(cond.Field)
		if !ok {
			return false, configErr(def, cond, fmt.Errorf("unknown field %q", cond.Field))
		}
		return !domain.FieldEmpty(value), nil

	case domain.PatternDailyVisitCountGTE:
		if cond.Value <= 0 {
			return false, configErr(def, cond, fmt.Errorf("value must be positive, got %d", cond.Value))
		}
		return agg.VisitsOnSameDay >= cond.Value, nil

	case domain.PatternFlagEquals:
		flag, ok := rec.Flag(cond.Flag)
		if !ok {
			return false, configErr(def, cond, fmt.Errorf("unknown flag %q", cond.Flag))
		}
		return flag == cond.Expected, nil

	case domain.PatternDateWithinPeriod:
		if def.ValidFrom != "" && rec.VisitDate < def.ValidFrom {
			return false, nil
		}
		if def.ValidUntil != "" && rec.VisitDate > def.ValidUntil {
			return false, nil
		}
		if agg.Patient == nil {
			return false, nil
		}
		return agg.Patient.CertifiedOn(rec.VisitDate), nil

	case domain.PatternDurationGTE:
		if cond.Value <= 0 {
			return false, configErr(def, cond, fmt.Errorf("value must be positive, got %d", cond.Value))
		}
		return rec.DurationMinutes() >= cond.Value, nil

	case domain.PatternSpecialistCareType:
		if cond.Equals == "" {
			return false, configErr(def, cond, fmt.Errorf("equals is required"))
		}
		return rec.SpecialistCareType == cond.Equals, nil

	case domain.PatternExpression:
		if prog == nil {
			return false, configErr(def, cond, fmt.Errorf("expression not compiled"))
		}
		ok, err := evalExpression(prog, rec, agg)
		if err != nil {
			return false, configErr(def, cond, err)
		}
		return ok, nil

	default:
		return false, configErr(def, cond, fmt.Errorf("unknown pattern"))
	}
}

// validateCondition checks descriptor shape at master-load time so broken
// catalog entries surface before any record is evaluated.
func validateCondition(cond domain.Condition) error {
	switch cond.Pattern {
	case domain.PatternFieldNotEmpty:
		if cond.Field == "" {
			return fmt.Errorf("field is required")
		}
	case domain.PatternDailyVisitCountGTE, domain.PatternDurationGTE:
		if cond.Value <= 0 {
			return fmt.Errorf("value must be positive, got %d", cond.Value)
		}
	case domain.PatternFlagEquals:
		if cond.Flag == "" {
			return fmt.Errorf("flag is required")
		}
	case domain.PatternDateWithinPeriod:
		// No parameters beyond the bonus window and patient period.
	case domain.PatternSpecialistCareType:
		if cond.Equals == "" {
			return fmt.Errorf("equals is required")
		}
	case domain.PatternExpression:
		if cond.Expression == "" {
			return fmt.Errorf("expression is required")
		}
	default:
		return fmt.Errorf("unknown pattern")
	}
	return nil
}

func configErr(def *domain.BonusDefinition, cond domain.Condition, err error) *ConfigError {
	return &ConfigError{
		BonusCode: def.Code,
		Pattern:   string(cond.Pattern),
		Err:       err,
	}
}
