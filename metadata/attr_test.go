package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		trusted bool
		wantErr bool
	}{
		{"plain identifier", "owner", false, false},
		{"leading underscore", "_internal", false, false},
		{"digits not first", "owner2", false, false},
		{"starts with digit", "2fast", false, true},
		{"contains dash", "owner-name", false, true},
		{"reserved prefix rejected for public writer", "trac_name", false, true},
		{"reserved prefix allowed for trusted writer", "trac_name", true, false},
		{"unrecognized reserved attr rejected even trusted", "trac_made_up", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key, tt.trusted)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateValue(t *testing.T) {
	tests := []struct {
		name    string
		value   AttrValue
		wantErr bool
	}{
		{"scalar string", AttrValue{Type: AttrString, Str: "alice"}, false},
		{"scalar bool", AttrValue{Type: AttrBoolean, Bool: true}, false},
		{"flat array", AttrValue{Type: AttrArray, Items: []AttrValue{
			{Type: AttrInteger, Int: 1}, {Type: AttrInteger, Int: 2},
		}}, false},
		{"nested map", AttrValue{Type: AttrMap, Fields: map[string]AttrValue{
			"inner": {Type: AttrArray, Items: []AttrValue{{Type: AttrString, Str: "x"}}},
		}}, false},
		{"bad map key", AttrValue{Type: AttrMap, Fields: map[string]AttrValue{
			"bad-key": {Type: AttrString, Str: "x"},
		}}, true},
		{"unknown type", AttrValue{Type: "WEIRD"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateValue(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAttrs_RejectsReservedForPublicWriter(t *testing.T) {
	attrs := map[string]AttrValue{
		"owner":      {Type: AttrString, Str: "alice"},
		"trac_name":  {Type: AttrString, Str: "sneaky"},
	}
	assert.Error(t, ValidateAttrs(attrs, false))
	assert.NoError(t, ValidateAttrs(attrs, true))
}

func TestIsPublicWritable(t *testing.T) {
	assert.True(t, IsPublicWritable(ObjectFlow))
	assert.True(t, IsPublicWritable(ObjectCustom))
	assert.False(t, IsPublicWritable(ObjectData))
	assert.False(t, IsPublicWritable(ObjectJob))
}
