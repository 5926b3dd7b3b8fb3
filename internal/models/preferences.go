package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// GlobalScope is the project segment used for resolutions without a project
const GlobalScope = "global"

// ==========================================
// SYSTEM DEFAULT
// ==========================================

// Constraints restricts the values a preference may take. Whichever fields
// are set are enforced; an empty Constraints accepts any value of the type.
type Constraints struct {
	AllowedValues []interface{} `json:"allowedValues,omitempty"`
	Min           *float64      `json:"min,omitempty"`
	Max           *float64      `json:"max,omitempty"`
	Pattern       string        `json:"pattern,omitempty"`
	// Expression is an expr-lang boolean rule evaluated with `value` bound.
	Expression string `json:"expression,omitempty"`
}

// IsZero reports whether no constraint is configured
func (c Constraints) IsZero() bool {
	return len(c.AllowedValues) == 0 && c.Min == nil && c.Max == nil && c.Pattern == "" && c.Expression == ""
}

type SystemDefault struct {
	ID             uuid.UUID                       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PreferenceKey  string                          `json:"preferenceKey" gorm:"type:varchar(255);not null;uniqueIndex"`
	DefaultValue   datatypes.JSON                  `json:"defaultValue" gorm:"type:jsonb"`
	DataType       DataType                        `json:"dataType" gorm:"type:varchar(20);not null"`
	Category       Category                        `json:"category" gorm:"type:varchar(50);not null;index"`
	Constraints    datatypes.JSONType[Constraints] `json:"constraints" gorm:"type:jsonb"`
	AccessLevel    AccessLevel                     `json:"accessLevel" gorm:"type:varchar(20);not null;default:'user'"`
	Sensitive      bool                            `json:"sensitive" gorm:"default:false"`
	Deprecated     bool                            `json:"deprecated" gorm:"default:false;index"`
	ReplacementKey *string                         `json:"replacementKey,omitempty" gorm:"type:varchar(255)"`
	Description    string                          `json:"description,omitempty" gorm:"type:text"`
	CreatedAt      time.Time                       `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt      time.Time                       `json:"updatedAt" gorm:"autoUpdateTime"`
}

// ==========================================
// USER PREFERENCE
// ==========================================

type UserPreference struct {
	ID            uuid.UUID        `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID        string           `json:"userId" gorm:"type:varchar(255);not null;uniqueIndex:idx_user_pref_key"`
	PreferenceKey string           `json:"preferenceKey" gorm:"type:varchar(255);not null;uniqueIndex:idx_user_pref_key"`
	Value         datatypes.JSON   `json:"value" gorm:"type:jsonb"`
	Category      Category         `json:"category" gorm:"type:varchar(50);not null"`
	Active        bool             `json:"active" gorm:"not null;index"`
	Source        PreferenceSource `json:"source" gorm:"type:varchar(20);not null;default:'manual'"`
	CreatedAt     time.Time        `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt     time.Time        `json:"updatedAt" gorm:"autoUpdateTime"`
}

// ==========================================
// PROJECT OVERRIDES
// ==========================================

type ProjectPreferenceEnabled struct {
	ID                uuid.UUID                     `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProjectID         string                        `json:"projectId" gorm:"type:varchar(255);not null;uniqueIndex"`
	Enabled           bool                          `json:"enabled" gorm:"default:false"`
	EnabledCategories datatypes.JSONSlice[Category] `json:"enabledCategories" gorm:"type:jsonb"`
	MaxOverrides      *int                          `json:"maxOverrides,omitempty"`
	EnabledBy         string                        `json:"enabledBy" gorm:"type:varchar(255)"`
	Reason            string                        `json:"reason,omitempty" gorm:"type:text"`
	CreatedAt         time.Time                     `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt         time.Time                     `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName keeps the singular table name used by the override toggle
func (ProjectPreferenceEnabled) TableName() string {
	return "project_preference_enabled"
}

// CategorySet returns the enabled categories as a set; empty means all
func (p *ProjectPreferenceEnabled) CategorySet() mapset.Set[Category] {
	return mapset.NewThreadUnsafeSet[Category](p.EnabledCategories...)
}

// AllowsCategory reports whether overrides in category c take effect
func (p *ProjectPreferenceEnabled) AllowsCategory(c Category) bool {
	if p == nil || !p.Enabled {
		return false
	}
	if len(p.EnabledCategories) == 0 {
		return true
	}
	return p.CategorySet().Contains(c)
}

type ProjectPreference struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProjectID      string         `json:"projectId" gorm:"type:varchar(255);not null;uniqueIndex:idx_project_pref_key"`
	PreferenceKey  string         `json:"preferenceKey" gorm:"type:varchar(255);not null;uniqueIndex:idx_project_pref_key"`
	Value          datatypes.JSON `json:"value" gorm:"type:jsonb"`
	Category       Category       `json:"category" gorm:"type:varchar(50);not null"`
	OverrideReason string         `json:"overrideReason" gorm:"type:text"`
	ApprovedBy     *string        `json:"approvedBy,omitempty" gorm:"type:varchar(255)"`
	Temporary      bool           `json:"temporary" gorm:"default:false"`
	EffectiveUntil *time.Time     `json:"effectiveUntil,omitempty"`
	Active         bool           `json:"active" gorm:"not null;index"`
	CreatedAt      time.Time      `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt      time.Time      `json:"updatedAt" gorm:"autoUpdateTime"`
}

// Expired reports whether the override's effective window has passed at now
func (p *ProjectPreference) Expired(now time.Time) bool {
	return p.EffectiveUntil != nil && !now.Before(*p.EffectiveUntil)
}

// InEffect reports whether the override row itself is usable at now
func (p *ProjectPreference) InEffect(now time.Time) bool {
	return p != nil && p.Active && !p.Expired(now)
}

// ==========================================
// VALUE ENCODING
// ==========================================

// EncodeValue converts an API value into its stored JSON form
func EncodeValue(v interface{}) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preference value: %w", err)
	}
	return datatypes.JSON(data), nil
}

// DecodeValue converts stored JSON back into an API value. Integral numbers
// decode to int64 and other numbers to float64.
func DecodeValue(data datatypes.JSON) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode preference value: %w", err)
	}
	return NormalizeValue(v), nil
}

// NormalizeValue returns v with json.Number values (recursively) rewritten
// into int64 or float64. Maps and slices are copied, never modified.
func NormalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			out[k] = NormalizeValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, inner := range t {
			out[i] = NormalizeValue(inner)
		}
		return out
	default:
		return v
	}
}

// CloneValue deep-copies the JSON containers inside a decoded value
func CloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			out[k] = CloneValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, inner := range t {
			out[i] = CloneValue(inner)
		}
		return out
	default:
		return v
	}
}
