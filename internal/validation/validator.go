package validation

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sync"
	"time"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/tesseract-hub/preferences-service/internal/apperrors"
	"github.com/tesseract-hub/preferences-service/internal/models"
)

// KeyPattern is the accepted preference key format: dotted lowercase segments
var KeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Validator checks preference keys, values and override requests. Compiled
// regex patterns and expressions are cached across calls.
type Validator struct {
	patterns sync.Map // string -> *regexp.Regexp
	programs sync.Map // string -> *exprvm.Program
}

// New creates a validator
func New() *Validator {
	return &Validator{}
}

// ValidateKey enforces the key format
func ValidateKey(key string) error {
	if key == "" {
		return apperrors.NewValidationError("preference_key", "key is required")
	}
	if !KeyPattern.MatchString(key) {
		return apperrors.NewValidationError("preference_key",
			fmt.Sprintf("invalid key %q: use dotted lowercase segments", key),
			"ui.theme", "editor.tab_size")
	}
	return nil
}

// CheckDefinition requires a live system default for key
func CheckDefinition(key string, def *models.SystemDefault) error {
	if def == nil {
		return apperrors.NewNotFoundError(key, "no system default defined")
	}
	if def.Deprecated {
		var suggestions []string
		if def.ReplacementKey != nil && *def.ReplacementKey != "" {
			suggestions = append(suggestions, *def.ReplacementKey)
		}
		return apperrors.NewValidationError("preference_key",
			fmt.Sprintf("preference %q is deprecated", key), suggestions...)
	}
	return nil
}

// CheckEnablement requires overrides to be enabled for the project and the
// category to be allowed
func CheckEnablement(projectID string, category models.Category, enabled *models.ProjectPreferenceEnabled) error {
	if enabled == nil || !enabled.Enabled {
		return apperrors.NewDisabledError(projectID, category.String(), "project overrides are not enabled")
	}
	if !enabled.AllowsCategory(category) {
		return apperrors.NewDisabledError(projectID, category.String(), "category is not enabled for overrides")
	}
	return nil
}

// CheckLimit enforces max_overrides. Replacing an override that is already
// active for the same key does not add to the count.
func CheckLimit(projectID string, enabled *models.ProjectPreferenceEnabled, activeCount int, replacesActive bool) error {
	if enabled == nil || enabled.MaxOverrides == nil || replacesActive {
		return nil
	}
	if activeCount >= *enabled.MaxOverrides {
		return apperrors.NewLimitExceededError(projectID, *enabled.MaxOverrides, activeCount)
	}
	return nil
}

// CheckApproval requires an approver for admin and superadmin preferences
func CheckApproval(key string, level models.AccessLevel, approvedBy *string) error {
	if !level.RequiresApproval() {
		return nil
	}
	if approvedBy == nil || *approvedBy == "" {
		return apperrors.NewPermissionError(key, level.String(), "approval required for this access level")
	}
	return nil
}

// CheckExpiry requires temporary overrides to carry an expiry, and any
// supplied expiry to lie in the future
func CheckExpiry(temporary bool, effectiveUntil *time.Time, now time.Time) error {
	if effectiveUntil == nil {
		if temporary {
			return apperrors.NewValidationError("effective_until", "temporary override requires effective_until")
		}
		return nil
	}
	if !effectiveUntil.After(now) {
		return apperrors.NewValidationError("effective_until", "effective_until must be in the future")
	}
	return nil
}

// OverrideInput gathers everything needed to validate an override request.
// Definition and Enablement are nil when no record exists.
type OverrideInput struct {
	ProjectID      string
	Key            string
	Value          interface{}
	ApprovedBy     *string
	Temporary      bool
	EffectiveUntil *time.Time
	Definition     *models.SystemDefault
	Enablement     *models.ProjectPreferenceEnabled
	ActiveCount    int
	ReplacesActive bool
	Now            time.Time
}

// ValidateOverride runs the override checks in order and returns the first failure
func (v *Validator) ValidateOverride(in OverrideInput) error {
	if err := ValidateKey(in.Key); err != nil {
		return err
	}
	if err := CheckDefinition(in.Key, in.Definition); err != nil {
		return err
	}
	if err := CheckEnablement(in.ProjectID, in.Definition.Category, in.Enablement); err != nil {
		return err
	}
	if err := CheckLimit(in.ProjectID, in.Enablement, in.ActiveCount, in.ReplacesActive); err != nil {
		return err
	}
	if err := v.ValidateValue(in.Definition, in.Value); err != nil {
		return err
	}
	if err := CheckApproval(in.Key, in.Definition.AccessLevel, in.ApprovedBy); err != nil {
		return err
	}
	return CheckExpiry(in.Temporary, in.EffectiveUntil, in.Now)
}

// ValidateUserPreference checks a user-tier write
func (v *Validator) ValidateUserPreference(key string, def *models.SystemDefault, value interface{}) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := CheckDefinition(key, def); err != nil {
		return err
	}
	return v.ValidateValue(def, value)
}

// ValidateValue checks value against the data type and constraints of def
func (v *Validator) ValidateValue(def *models.SystemDefault, value interface{}) error {
	value = models.NormalizeValue(value)
	if err := checkType(def.DataType, value); err != nil {
		return err
	}
	return v.checkConstraints(def.Constraints.Data(), value)
}

func checkType(dt models.DataType, value interface{}) error {
	if value == nil {
		return apperrors.NewValidationError("value", "value is required")
	}
	ok := true
	switch dt {
	case models.DataTypeString, models.DataTypeEncrypted:
		_, ok = value.(string)
	case models.DataTypeBoolean:
		_, ok = value.(bool)
	case models.DataTypeInteger:
		f, numeric := toFloat(value)
		ok = numeric && f == math.Trunc(f)
	case models.DataTypeFloat:
		_, ok = toFloat(value)
	case models.DataTypeJSON:
		ok = true
	default:
		return apperrors.NewValidationError("data_type", fmt.Sprintf("unsupported data type %q", dt))
	}
	if !ok {
		return apperrors.NewValidationError("value", fmt.Sprintf("expected %s, got %T", dt, value))
	}
	return nil
}

func (v *Validator) checkConstraints(c models.Constraints, value interface{}) error {
	if c.IsZero() {
		return nil
	}

	if len(c.AllowedValues) > 0 {
		allowed := false
		for _, candidate := range c.AllowedValues {
			if valuesEqual(candidate, value) {
				allowed = true
				break
			}
		}
		if !allowed {
			suggestions := make([]string, 0, len(c.AllowedValues))
			for _, candidate := range c.AllowedValues {
				suggestions = append(suggestions, fmt.Sprint(candidate))
			}
			return apperrors.NewValidationError("value", fmt.Sprintf("%v is not an allowed value", value), suggestions...)
		}
	}

	if f, numeric := toFloat(value); numeric {
		if c.Min != nil && f < *c.Min {
			return apperrors.NewValidationError("value", fmt.Sprintf("%v is below minimum %v", value, *c.Min))
		}
		if c.Max != nil && f > *c.Max {
			return apperrors.NewValidationError("value", fmt.Sprintf("%v is above maximum %v", value, *c.Max))
		}
	}

	if c.Pattern != "" {
		if s, ok := value.(string); ok {
			re, err := v.pattern(c.Pattern)
			if err != nil {
				return apperrors.NewValidationError("constraints.pattern", err.Error())
			}
			if !re.MatchString(s) {
				return apperrors.NewValidationError("value", fmt.Sprintf("%q does not match pattern %s", s, c.Pattern))
			}
		}
	}

	if c.Expression != "" {
		program, err := v.program(c.Expression)
		if err != nil {
			return apperrors.NewValidationError("constraints.expression", err.Error())
		}
		out, err := exprlang.Run(program, map[string]interface{}{"value": value})
		if err != nil {
			return apperrors.NewValidationError("value", fmt.Sprintf("expression %q failed: %v", c.Expression, err))
		}
		if passed, _ := out.(bool); !passed {
			return apperrors.NewValidationError("value", fmt.Sprintf("%v does not satisfy %s", value, c.Expression))
		}
	}
	return nil
}

func (v *Validator) pattern(expr string) (*regexp.Regexp, error) {
	if cached, ok := v.patterns.Load(expr); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	v.patterns.Store(expr, re)
	return re, nil
}

func (v *Validator) program(expression string) (*exprvm.Program, error) {
	if cached, ok := v.programs.Load(expression); ok {
		return cached.(*exprvm.Program), nil
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]interface{}{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid expression: %w", err)
	}
	v.programs.Store(expression, program)
	return program, nil
}

func toFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func valuesEqual(a, b interface{}) bool {
	a, b = models.NormalizeValue(a), models.NormalizeValue(b)
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}
