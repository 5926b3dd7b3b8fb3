package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// ==========================================
// CATEGORY
// ==========================================

// Category is the closed set of preference categories. Strings are only used
// at the storage and JSON boundary.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryUI
	CategoryNotifications
	CategoryPrivacy
	CategorySecurity
	CategoryAuth
	CategoryEditor
	CategoryCodeQuality
	CategoryLLM
	CategoryBudgeting
	CategoryML
	CategoryIntegrations
	CategoryPerformance
	CategoryGeneral
)

var categoryNames = map[Category]string{
	CategoryUI:            "ui",
	CategoryNotifications: "notifications",
	CategoryPrivacy:       "privacy",
	CategorySecurity:      "security",
	CategoryAuth:          "auth",
	CategoryEditor:        "editor",
	CategoryCodeQuality:   "code_quality",
	CategoryLLM:           "llm",
	CategoryBudgeting:     "budgeting",
	CategoryML:            "ml",
	CategoryIntegrations:  "integrations",
	CategoryPerformance:   "performance",
	CategoryGeneral:       "general",
}

var categoriesByName = func() map[string]Category {
	out := make(map[string]Category, len(categoryNames))
	for c, name := range categoryNames {
		out[name] = c
	}
	return out
}()

// AllCategories returns every known category in declaration order
func AllCategories() []Category {
	out := make([]Category, 0, len(categoryNames))
	for c := CategoryUI; c <= CategoryGeneral; c++ {
		out = append(out, c)
	}
	return out
}

// ParseCategory maps an external category name to its Category
func ParseCategory(name string) (Category, error) {
	if c, ok := categoriesByName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return c, nil
	}
	return CategoryUnknown, fmt.Errorf("unknown category %q", name)
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

func (c Category) Value() (driver.Value, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid category %d", int(c))
	}
	return c.String(), nil
}

func (c *Category) Scan(src interface{}) error {
	var name string
	switch v := src.(type) {
	case string:
		name = v
	case []byte:
		name = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Category", src)
	}
	parsed, err := ParseCategory(name)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Category) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseCategory(name)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ==========================================
// DATA TYPE
// ==========================================

type DataType string

const (
	DataTypeString    DataType = "string"
	DataTypeInteger   DataType = "integer"
	DataTypeFloat     DataType = "float"
	DataTypeBoolean   DataType = "boolean"
	DataTypeJSON      DataType = "json"
	DataTypeEncrypted DataType = "encrypted"
)

// Valid reports whether d is a supported data type
func (d DataType) Valid() bool {
	switch d {
	case DataTypeString, DataTypeInteger, DataTypeFloat, DataTypeBoolean, DataTypeJSON, DataTypeEncrypted:
		return true
	}
	return false
}

// Numeric reports whether range constraints apply to d
func (d DataType) Numeric() bool {
	return d == DataTypeInteger || d == DataTypeFloat
}

// ==========================================
// ACCESS LEVEL
// ==========================================

// AccessLevel is ordered: comparisons like level >= AccessAdmin are meaningful.
type AccessLevel int

const (
	AccessPublic AccessLevel = iota
	AccessUser
	AccessAdmin
	AccessSuperadmin
)

var accessLevelNames = map[AccessLevel]string{
	AccessPublic:     "public",
	AccessUser:       "user",
	AccessAdmin:      "admin",
	AccessSuperadmin: "superadmin",
}

func ParseAccessLevel(name string) (AccessLevel, error) {
	for level, n := range accessLevelNames {
		if n == strings.ToLower(strings.TrimSpace(name)) {
			return level, nil
		}
	}
	return AccessPublic, fmt.Errorf("unknown access level %q", name)
}

func (a AccessLevel) String() string {
	if name, ok := accessLevelNames[a]; ok {
		return name
	}
	return "unknown"
}

// RequiresApproval reports whether overrides at this level need an approver
func (a AccessLevel) RequiresApproval() bool {
	return a >= AccessAdmin
}

func (a AccessLevel) Value() (driver.Value, error) {
	if _, ok := accessLevelNames[a]; !ok {
		return nil, fmt.Errorf("invalid access level %d", int(a))
	}
	return a.String(), nil
}

func (a *AccessLevel) Scan(src interface{}) error {
	var name string
	switch v := src.(type) {
	case string:
		name = v
	case []byte:
		name = string(v)
	default:
		return fmt.Errorf("cannot scan %T into AccessLevel", src)
	}
	parsed, err := ParseAccessLevel(name)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a AccessLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *AccessLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseAccessLevel(name)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ==========================================
// SOURCE / TIER
// ==========================================

// PreferenceSource records how a user preference row was written
type PreferenceSource string

const (
	SourceManual    PreferenceSource = "manual"
	SourceTemplate  PreferenceSource = "template"
	SourceMigration PreferenceSource = "migration"
	SourceImport    PreferenceSource = "import"
	SourceAPI       PreferenceSource = "api"
)

// Tier identifies the hierarchy level that satisfied a resolution
type Tier string

const (
	TierSystem  Tier = "system"
	TierUser    Tier = "user"
	TierProject Tier = "project"
)
