package metadata

import (
	"fmt"
	"regexp"
	"strings"
)

// attrKeyPattern is the closed key grammar from the metadata spec: an
// identifier that must not fall in the trac_* reserved prefix for public
// writers.
var attrKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const reservedAttrPrefix = "trac_"

// reservedAttrs are keys a trusted writer may set on the caller's behalf even
// though they carry the reserved prefix.
var reservedAttrs = map[string]bool{
	"trac_name":          true,
	"trac_extension":     true,
	"trac_size":          true,
	"trac_mime_type":     true,
	"trac_storage_object": true,
	"trac_schema_id":     true,
}

// AttrType is the closed set of scalar kinds an attribute value may carry.
type AttrType string

const (
	AttrBoolean AttrType = "BOOLEAN"
	AttrInteger AttrType = "INTEGER"
	AttrFloat   AttrType = "FLOAT"
	AttrString  AttrType = "STRING"
	AttrArray   AttrType = "ARRAY"
	AttrMap     AttrType = "MAP"
)

// AttrValue is a typed attribute value: exactly one of the scalar fields is
// populated for scalar types, or Items/Fields for ARRAY/MAP respectively,
// nested to arbitrary depth.
type AttrValue struct {
	Type    AttrType
	Bool    bool
	Int     int64
	Float   float64
	Str     string
	Items   []AttrValue
	Fields  map[string]AttrValue
}

// ValidateKey enforces the attribute key grammar. trusted relaxes the
// reserved-prefix restriction to the fixed allow-list of system attributes;
// public callers may never use the trac_ prefix.
func ValidateKey(key string, trusted bool) error {
	if !attrKeyPattern.MatchString(key) {
		return fmt.Errorf("attribute key %q does not match [A-Za-z_][A-Za-z0-9_]*", key)
	}
	if strings.HasPrefix(key, reservedAttrPrefix) {
		if !trusted {
			return fmt.Errorf("attribute key %q uses the reserved trac_ prefix", key)
		}
		if !reservedAttrs[key] {
			return fmt.Errorf("attribute key %q is not a recognized reserved attribute", key)
		}
	}
	return nil
}

// ValidateValue checks that v's runtime shape matches its declared Type,
// recursing into ARRAY/MAP members.
func ValidateValue(v AttrValue) error {
	switch v.Type {
	case AttrBoolean, AttrInteger, AttrFloat, AttrString:
		return nil
	case AttrArray:
		for i, item := range v.Items {
			if err := ValidateValue(item); err != nil {
				return fmt.Errorf("array item %d: %w", i, err)
			}
		}
		return nil
	case AttrMap:
		for k, field := range v.Fields {
			if err := ValidateKey(k, true); err != nil {
				return fmt.Errorf("map field %q: %w", k, err)
			}
			if err := ValidateValue(field); err != nil {
				return fmt.Errorf("map field %q: %w", k, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unrecognized attribute type %q", v.Type)
	}
}

// ValidateAttrs validates an entire attribute set, rejecting reserved keys
// unless trusted is set.
func ValidateAttrs(attrs map[string]AttrValue, trusted bool) error {
	for key, val := range attrs {
		if err := ValidateKey(key, trusted); err != nil {
			return err
		}
		if err := ValidateValue(val); err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
	}
	return nil
}
