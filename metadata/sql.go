package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tracdap.evalgo.org/errs"
	"tracdap.evalgo.org/metadata/dialect"
)

func insertObjectRow(ctx context.Context, tx dialect.Adapter, tenant string, objectID uuid.UUID, objectType ObjectType) error {
	err := tx.Exec(ctx, `
		INSERT INTO object (tenant_code, object_id, object_type, created_at)
		VALUES ($1, $2, $3, $4)`,
		tenant, objectID.String(), string(objectType), nowUTC())
	if err != nil {
		switch tx.MapError(err) {
		case dialect.InsertDuplicate:
			return errs.New(errs.Duplicate, "object id %s already exists in tenant %q", objectID, tenant)
		case dialect.InsertMissingFK:
			return errs.New(errs.NotFound, "tenant %q does not exist", tenant)
		}
		return err
	}
	return nil
}

func insertObjectVersionRow(ctx context.Context, tx dialect.Adapter, tenant string, objectID uuid.UUID, version int32, def Definition) error {
	err := tx.Exec(ctx, `
		INSERT INTO object_version (tenant_code, object_id, version, definition_body, has_definition, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tenant, objectID.String(), version, def.Body, len(def.Body) > 0, nowUTC())
	if err != nil {
		switch tx.MapError(err) {
		case dialect.InsertDuplicate:
			return errs.New(errs.Duplicate, "object %s already has version %d", objectID, version)
		case dialect.InsertMissingFK:
			return errs.New(errs.NotFound, "object %s does not exist in tenant %q", objectID, tenant)
		}
		return err
	}
	return nil
}

func insertTagVersionRow(ctx context.Context, tx dialect.Adapter, tenant string, objectID uuid.UUID, version, tagVersion int32, attrs map[string]AttrValue) error {
	err := tx.Exec(ctx, `
		INSERT INTO tag_version (tenant_code, object_id, version, tag_version, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tenant, objectID.String(), version, tagVersion, nowUTC())
	if err != nil {
		switch tx.MapError(err) {
		case dialect.InsertDuplicate:
			return errs.New(errs.Duplicate, "object %s version %d already has tag %d", objectID, version, tagVersion)
		case dialect.InsertMissingFK:
			return errs.New(errs.NotFound, "object %s version %d does not exist", objectID, version)
		}
		return err
	}

	for name, val := range attrs {
		if err := insertAttrRow(ctx, tx, tenant, objectID, version, tagVersion, name, val); err != nil {
			return err
		}
	}
	return nil
}

// insertAttrRow writes one tag_attr row for name/val. Scalars populate their
// typed column; ARRAY and MAP values are stored as a single JSON-encoded
// row so nesting to arbitrary depth never requires exploding into a
// variable number of rows.
func insertAttrRow(ctx context.Context, tx dialect.Adapter, tenant string, objectID uuid.UUID, version, tagVersion int32, name string, val AttrValue) error {
	row := tagAttrModel{
		TenantCode: tenant,
		ObjectID:   objectID.String(),
		Version:    version,
		TagVersion: tagVersion,
		AttrName:   name,
		AttrType:   string(val.Type),
	}

	switch val.Type {
	case AttrBoolean:
		row.BoolValue = val.Bool
	case AttrInteger:
		row.IntValue = val.Int
	case AttrFloat:
		row.FloatValue = val.Float
	case AttrString:
		row.StringValue = val.Str
	case AttrArray, AttrMap:
		encoded, err := json.Marshal(val)
		if err != nil {
			return errs.Wrap(errs.Validation, err, "encoding attribute %q", name)
		}
		row.CompositeJSON = string(encoded)
	}

	return tx.Exec(ctx, `
		INSERT INTO tag_attr
			(tenant_code, object_id, version, tag_version, attr_name, attr_type, bool_value, int_value, float_value, string_value, composite_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		row.TenantCode, row.ObjectID, row.Version, row.TagVersion, row.AttrName, row.AttrType,
		row.BoolValue, row.IntValue, row.FloatValue, row.StringValue, row.CompositeJSON)
}

func lookupObjectType(ctx context.Context, db dialect.Adapter, tenant string, objectID uuid.UUID) (ObjectType, error) {
	var objectType string
	row := db.QueryRow(ctx, `SELECT object_type FROM object WHERE tenant_code = $1 AND object_id = $2`, tenant, objectID.String())
	if err := row.Scan(&objectType); err != nil {
		return "", errs.Wrap(errs.NotFound, err, "object %s not found in tenant %q", objectID, tenant)
	}
	return ObjectType(objectType), nil
}

func objectVersionExists(ctx context.Context, db dialect.Adapter, tenant string, objectID uuid.UUID, version int32) (bool, error) {
	var exists bool
	row := db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM object_version WHERE tenant_code = $1 AND object_id = $2 AND version = $3)`,
		tenant, objectID.String(), version)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func latestVersion(ctx context.Context, db dialect.Adapter, tenant string, objectID uuid.UUID) (int32, error) {
	var version int32
	row := db.QueryRow(ctx, `
		SELECT MAX(version) FROM object_version WHERE tenant_code = $1 AND object_id = $2`,
		tenant, objectID.String())
	if err := row.Scan(&version); err != nil {
		return 0, errs.Wrap(errs.NotFound, err, "object %s has no versions", objectID)
	}
	return version, nil
}

func latestTagVersion(ctx context.Context, db dialect.Adapter, tenant string, objectID uuid.UUID, version int32) (int32, error) {
	var tagVersion int32
	row := db.QueryRow(ctx, `
		SELECT MAX(tag_version) FROM tag_version WHERE tenant_code = $1 AND object_id = $2 AND version = $3`,
		tenant, objectID.String(), version)
	if err := row.Scan(&tagVersion); err != nil {
		return 0, errs.Wrap(errs.NotFound, err, "object %s version %d has no tags", objectID, version)
	}
	return tagVersion, nil
}

func loadDefinition(ctx context.Context, db dialect.Adapter, tenant string, objectID uuid.UUID, version int32) (Definition, time.Time, error) {
	var body []byte
	var hasDefinition bool
	var createdAt time.Time
	row := db.QueryRow(ctx, `
		SELECT definition_body, has_definition, created_at FROM object_version
		WHERE tenant_code = $1 AND object_id = $2 AND version = $3`,
		tenant, objectID.String(), version)
	if err := row.Scan(&body, &hasDefinition, &createdAt); err != nil {
		return Definition{}, time.Time{}, errs.Wrap(errs.NotFound, err, "object %s version %d not found", objectID, version)
	}
	if !hasDefinition {
		return Definition{}, createdAt, nil
	}
	return Definition{Body: body}, createdAt, nil
}

func loadAttrs(ctx context.Context, db dialect.Adapter, tenant string, objectID uuid.UUID, version, tagVersion int32) (map[string]AttrValue, error) {
	type flatRow struct {
		name, attrType, composite string
		boolV                     bool
		intV                      int64
		floatV                    float64
		strV                      string
	}
	var rows []flatRow
	err := db.Query(ctx, `
		SELECT attr_name, attr_type, bool_value, int_value, float_value, string_value, composite_json
		FROM tag_attr
		WHERE tenant_code = $1 AND object_id = $2 AND version = $3 AND tag_version = $4`,
		func(r dialect.Row) error {
			var fr flatRow
			if err := r.Scan(&fr.name, &fr.attrType, &fr.boolV, &fr.intV, &fr.floatV, &fr.strV, &fr.composite); err != nil {
				return err
			}
			rows = append(rows, fr)
			return nil
		},
		tenant, objectID.String(), version, tagVersion)
	if err != nil {
		return nil, err
	}

	out := map[string]AttrValue{}
	for _, fr := range rows {
		switch AttrType(fr.attrType) {
		case AttrArray, AttrMap:
			var val AttrValue
			if err := json.Unmarshal([]byte(fr.composite), &val); err != nil {
				return nil, errs.Wrap(errs.DataConflict, err, "decoding attribute %q", fr.name)
			}
			out[fr.name] = val
		default:
			out[fr.name] = AttrValue{
				Type:  AttrType(fr.attrType),
				Bool:  fr.boolV,
				Int:   fr.intV,
				Float: fr.floatV,
				Str:   fr.strV,
			}
		}
	}
	return out, nil
}

func nowUTC() time.Time { return time.Now().UTC() }

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errs.Wrap(errs.Internal, err, "malformed object id %q in storage", s)
	}
	return id, nil
}
