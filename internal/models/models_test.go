package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want interface{}
	}{
		{"string", `"dark"`, "dark"},
		{"integer", `14`, int64(14)},
		{"float", `0.75`, 0.75},
		{"boolean false", `false`, false},
		{"nested", `{"size":12,"tags":[1,"a"]}`, map[string]interface{}{"size": int64(12), "tags": []interface{}{int64(1), "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := DecodeValue(nil)
	assert.NoError(t, err)
	assert.Nil(t, got)

	_, err = DecodeValue([]byte("{"))
	assert.Error(t, err)
}

func TestCategoryBoundary(t *testing.T) {
	c, err := ParseCategory("code_quality")
	require.NoError(t, err)
	assert.Equal(t, CategoryCodeQuality, c)
	assert.Equal(t, "code_quality", c.String())

	_, err = ParseCategory("colours")
	assert.Error(t, err)
	assert.Len(t, AllCategories(), 13)

	data, err := json.Marshal([]Category{CategoryUI, CategoryLLM})
	require.NoError(t, err)
	assert.JSONEq(t, `["ui","llm"]`, string(data))

	var back []Category
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []Category{CategoryUI, CategoryLLM}, back)

	var scanned Category
	require.NoError(t, scanned.Scan("privacy"))
	assert.Equal(t, CategoryPrivacy, scanned)
	assert.Error(t, scanned.Scan(42))
}

func TestAccessLevelOrdering(t *testing.T) {
	assert.False(t, AccessUser.RequiresApproval())
	assert.True(t, AccessAdmin.RequiresApproval())
	assert.True(t, AccessSuperadmin.RequiresApproval())

	level, err := ParseAccessLevel("superadmin")
	require.NoError(t, err)
	assert.Equal(t, AccessSuperadmin, level)
}

func TestProjectEnablementAllowsCategory(t *testing.T) {
	var missing *ProjectPreferenceEnabled
	assert.False(t, missing.AllowsCategory(CategoryUI))

	all := &ProjectPreferenceEnabled{Enabled: true}
	assert.True(t, all.AllowsCategory(CategorySecurity))

	narrow := &ProjectPreferenceEnabled{Enabled: true, EnabledCategories: []Category{CategoryEditor}}
	assert.True(t, narrow.AllowsCategory(CategoryEditor))
	assert.False(t, narrow.AllowsCategory(CategoryUI))

	narrow.Enabled = false
	assert.False(t, narrow.AllowsCategory(CategoryEditor))
}

func TestProjectPreferenceWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	o := &ProjectPreference{Active: true, Temporary: true, EffectiveUntil: &until}

	assert.True(t, o.InEffect(now))
	assert.False(t, o.InEffect(until), "the window is half-open")
	assert.True(t, o.Expired(until))

	var none *ProjectPreference
	assert.False(t, none.InEffect(now))
}

func TestNormalizeValue_LeavesInputUntouched(t *testing.T) {
	in := map[string]interface{}{"size": json.Number("12"), "tags": []interface{}{json.Number("1.5")}}

	out := NormalizeValue(in)

	assert.Equal(t, map[string]interface{}{"size": int64(12), "tags": []interface{}{1.5}}, out)
	assert.Equal(t, json.Number("12"), in["size"])
	assert.Equal(t, json.Number("1.5"), in["tags"].([]interface{})[0])
}

func TestCloneValue_DeepCopiesContainers(t *testing.T) {
	original := map[string]interface{}{"panes": []interface{}{"left"}, "nested": map[string]interface{}{"a": true}}

	clone := CloneValue(original).(map[string]interface{})
	clone["panes"].([]interface{})[0] = "right"
	clone["nested"].(map[string]interface{})["a"] = false

	assert.Equal(t, "left", original["panes"].([]interface{})[0])
	assert.Equal(t, true, original["nested"].(map[string]interface{})["a"])
	assert.Equal(t, "dark", CloneValue("dark"))
}
