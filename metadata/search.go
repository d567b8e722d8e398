package metadata

import (
	"context"
	"fmt"
	"strings"

	"tracdap.evalgo.org/errs"
	"tracdap.evalgo.org/metadata/dialect"
)

// SearchOp is the closed set of comparisons the tag-filter grammar supports
// against a single scalar attribute.
type SearchOp string

const (
	OpEqual       SearchOp = "EQ"
	OpNotEqual    SearchOp = "NE"
	OpGreaterThan SearchOp = "GT"
	OpLessThan    SearchOp = "LT"
	OpIn          SearchOp = "IN"
)

// SearchTerm is one leaf of a search expression: attrName op value.
type SearchTerm struct {
	AttrName string
	Op       SearchOp
	Value    AttrValue
	Values   []AttrValue // populated for OpIn
}

// LogicalOp joins SearchTerms/nested SearchExpr together.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "AND"
	LogicalOr  LogicalOp = "OR"
)

// SearchExpr is either a leaf SearchTerm or a logical combination of
// sub-expressions, letting callers build arbitrarily nested filters over tag
// attributes without exposing raw SQL — the "tag-filter grammar enumerated
// in §6" the core's Non-goals reserve as the only query surface over
// metadata.
type SearchExpr struct {
	Term *SearchTerm
	Op   LogicalOp
	Args []SearchExpr
}

// SearchRequest scopes a search to a tenant/object type. Only the latest
// version of each object, and the latest tag of that version, is searched.
type SearchRequest struct {
	Tenant     string
	ObjectType ObjectType
	Expr       SearchExpr
	Limit      int
}

// Search resolves a SearchRequest against the latest tag of every object
// whose attributes satisfy Expr, returning full Tags ready for the caller.
func (s *Store) Search(ctx context.Context, req SearchRequest) ([]*Tag, error) {
	if !validObjectType(req.ObjectType) {
		return nil, errs.New(errs.Validation, "unrecognized object type %q", req.ObjectType)
	}

	clause, args, err := compileExpr(req.Expr, []interface{}{req.Tenant, string(req.ObjectType)})
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "invalid search expression")
	}

	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT ov.object_id, ov.version
		FROM object_version ov
		JOIN object o ON o.tenant_code = ov.tenant_code AND o.object_id = ov.object_id
		JOIN tag_version tv ON tv.tenant_code = ov.tenant_code AND tv.object_id = ov.object_id AND tv.version = ov.version
		JOIN tag_attr ta ON ta.tenant_code = tv.tenant_code AND ta.object_id = tv.object_id
			AND ta.version = tv.version AND ta.tag_version = tv.tag_version
		WHERE o.tenant_code = $1 AND o.object_type = $2
		AND tv.tag_version = (SELECT MAX(tag_version) FROM tag_version WHERE tenant_code = tv.tenant_code AND object_id = tv.object_id AND version = tv.version)
		AND ov.version = (SELECT MAX(version) FROM object_version WHERE tenant_code = ov.tenant_code AND object_id = ov.object_id)
		AND (%s)
		LIMIT %d`, clause, limit)

	type match struct {
		objectID string
		version  int32
	}
	var matches []match
	err = s.db.Query(ctx, query, func(r dialect.Row) error {
		var m match
		if err := r.Scan(&m.objectID, &m.version); err != nil {
			return err
		}
		matches = append(matches, m)
		return nil
	}, args...)
	if err != nil {
		return nil, err
	}

	sels := make([]Selector, len(matches))
	for i, m := range matches {
		id, err := parseUUID(m.objectID)
		if err != nil {
			return nil, err
		}
		sels[i] = Selector{Tenant: req.Tenant, ObjectType: req.ObjectType, ObjectID: id, Version: m.version, LatestTag: true}
	}
	return s.LoadObjects(ctx, sels)
}

// compileExpr lowers a SearchExpr into a parameterized SQL boolean
// expression over the tag_attr table, threading args through so every term
// gets its own placeholder regardless of nesting depth.
func compileExpr(expr SearchExpr, args []interface{}) (string, []interface{}, error) {
	if expr.Term != nil {
		return compileTerm(*expr.Term, args)
	}
	if len(expr.Args) == 0 {
		return "TRUE", args, nil
	}

	joiner := " AND "
	if expr.Op == LogicalOr {
		joiner = " OR "
	}

	parts := make([]string, len(expr.Args))
	for i, sub := range expr.Args {
		clause, newArgs, err := compileExpr(sub, args)
		if err != nil {
			return "", nil, err
		}
		args = newArgs
		parts[i] = "(" + clause + ")"
	}
	return strings.Join(parts, joiner), args, nil
}

func compileTerm(term SearchTerm, args []interface{}) (string, []interface{}, error) {
	if err := ValidateKey(term.AttrName, true); err != nil {
		return "", nil, err
	}

	nameIdx := len(args) + 1
	args = append(args, term.AttrName)
	col, val, err := scalarColumnAndValue(term.Value)
	if err != nil && term.Op != OpIn {
		return "", nil, err
	}

	switch term.Op {
	case OpEqual, OpNotEqual, OpGreaterThan, OpLessThan:
		op := map[SearchOp]string{OpEqual: "=", OpNotEqual: "!=", OpGreaterThan: ">", OpLessThan: "<"}[term.Op]
		valIdx := len(args) + 1
		args = append(args, val)
		return fmt.Sprintf("ta.attr_name = $%d AND ta.%s %s $%d", nameIdx, col, op, valIdx), args, nil
	case OpIn:
		if len(term.Values) == 0 {
			return "FALSE", args, nil
		}
		placeholders := make([]string, len(term.Values))
		for i, v := range term.Values {
			c, val, err := scalarColumnAndValue(v)
			if err != nil {
				return "", nil, err
			}
			col = c
			valIdx := len(args) + 1
			args = append(args, val)
			placeholders[i] = fmt.Sprintf("$%d", valIdx)
		}
		return fmt.Sprintf("ta.attr_name = $%d AND ta.%s IN (%s)", nameIdx, col, strings.Join(placeholders, ",")), args, nil
	default:
		return "", nil, fmt.Errorf("unsupported search operator %q", term.Op)
	}
}

func scalarColumnAndValue(v AttrValue) (string, interface{}, error) {
	switch v.Type {
	case AttrBoolean:
		return "bool_value", v.Bool, nil
	case AttrInteger:
		return "int_value", v.Int, nil
	case AttrFloat:
		return "float_value", v.Float, nil
	case AttrString:
		return "string_value", v.Str, nil
	default:
		return "", nil, fmt.Errorf("search terms only support scalar attribute types, got %q", v.Type)
	}
}
