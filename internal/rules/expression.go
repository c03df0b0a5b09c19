package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opencare/kasan/internal/aggregate"
	"github.com/opencare/kasan/internal/domain"
)

// newConditionEnv creates the CEL environment for expression conditions.
// Expression conditions let administrators attach custom predicates to a
// bonus beyond the built-in pattern set.
func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("visit_date", cel.StringType),
		cel.Variable("daily_visit_count", cel.IntType),
		cel.Variable("duration_minutes", cel.IntType),
		cel.Variable("insurance_type", cel.StringType),
		cel.Variable("special_management_types", cel.ListType(cel.StringType)),
	)
}

// compileExpression compiles an expression condition.
// The expression must produce a bool.
func compileExpression(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	return env.Program(ast)
}

// conditionActivation builds the CEL variable bindings for one evaluation.
func conditionActivation(rec *domain.VisitRecord, agg *aggregate.Context) map[string]any {
	recordVars := map[string]any{
		"status":                 string(rec.Status),
		"serviceCodeId":          rec.ServiceCodeID,
		"visitLocationCode":      rec.VisitLocationCode,
		"staffQualificationCode": rec.StaffQualificationCode,
		"isSecondVisit":          rec.IsSecondVisit,
		"isDischargeDate":        rec.IsDischargeDate,
		"isFirstVisitOfPlan":     rec.IsFirstVisitOfPlan,
		"hasCollaborationRecord": rec.HasCollaborationRecord,
		"isTerminalCare":         rec.IsTerminalCare,
		"hasEmergencyVisit":      rec.HasEmergencyVisit,
		"specialistCareType":     rec.SpecialistCareType,
		"multipleVisitReason":    rec.MultipleVisitReason,
		"emergencyVisitReason":   rec.EmergencyVisitReason,
		"longVisitReason":        rec.LongVisitReason,
	}

	insurance := ""
	smTypes := []string{}
	if agg.Patient != nil {
		insurance = string(agg.Patient.InsuranceType)
		smTypes = agg.Patient.SpecialManagementTypes
	}

	return map[string]any{
		"record":                   recordVars,
		"visit_date":               rec.VisitDate,
		"daily_visit_count":        int64(agg.VisitsOnSameDay),
		"duration_minutes":         int64(rec.DurationMinutes()),
		"insurance_type":           insurance,
		"special_management_types": smTypes,
	}
}

// evalExpression runs a compiled expression condition.
func evalExpression(prog cel.Program, rec *domain.VisitRecord, agg *aggregate.Context) (bool, error) {
	out, _, err := prog.Eval(conditionActivation(rec, agg))
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return bool(b), nil
}
