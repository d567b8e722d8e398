package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"tracdap.evalgo.org/errs"
	"tracdap.evalgo.org/metadata/dialect"
)

// Store is the metadata kernel (C2): it enforces object/version/tag
// lifecycle, tenant isolation and referential integrity on top of a
// dialect.Adapter (C1).
type Store struct {
	db dialect.Adapter
}

// NewStore wraps an already-open dialect.Adapter.
func NewStore(db dialect.Adapter) *Store {
	return &Store{db: db}
}

// Close releases the underlying adapter.
func (s *Store) Close() { s.db.Close() }

// SaveNewObjects creates the first version (and first tag) of each requested
// object, within a single transaction: either every request succeeds or none
// do, per the "batch atomicity" rule in §4.2.
func (s *Store) SaveNewObjects(ctx context.Context, tenant string, reqs []NewObjectRequest) ([]Header, error) {
	if err := checkBatchSelfDuplicates(reqs); err != nil {
		return nil, err
	}

	headers := make([]Header, len(reqs))
	err := s.db.WithTx(ctx, func(tx dialect.Adapter) error {
		for i, req := range reqs {
			if !validObjectType(req.ObjectType) {
				return errs.New(errs.Validation, "unrecognized object type %q", req.ObjectType)
			}
			if !req.Trusted && !IsPublicWritable(req.ObjectType) {
				return errs.New(errs.Access, "object type %q is not writable through the public API", req.ObjectType)
			}
			if err := ValidateAttrs(req.Attrs, req.Trusted); err != nil {
				return errs.Wrap(errs.Validation, err, "invalid attributes")
			}

			objectID := req.ObjectID
			if objectID == uuid.Nil {
				objectID = uuid.New()
			}

			if err := insertObjectRow(ctx, tx, tenant, objectID, req.ObjectType); err != nil {
				return err
			}
			if err := insertObjectVersionRow(ctx, tx, tenant, objectID, 1, req.Definition); err != nil {
				return err
			}
			if err := insertTagVersionRow(ctx, tx, tenant, objectID, 1, 1, req.Attrs); err != nil {
				return err
			}

			headers[i] = Header{Tenant: tenant, ObjectType: req.ObjectType, ObjectID: objectID, Version: 1, TagVersion: 1}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

// SaveNewVersions appends the next version (with its first tag) onto each
// prior header. A race between two writers for the same next version
// resolves by letting one succeed and the other fail with errs.Duplicate.
func (s *Store) SaveNewVersions(ctx context.Context, tenant string, reqs []NewVersionRequest) ([]Header, error) {
	headers := make([]Header, len(reqs))
	err := s.db.WithTx(ctx, func(tx dialect.Adapter) error {
		for i, req := range reqs {
			prior := req.PriorHeader
			if !req.Trusted && !IsPublicWritable(prior.ObjectType) {
				return errs.New(errs.Access, "object type %q is not writable through the public API", prior.ObjectType)
			}
			if err := ValidateAttrs(req.Attrs, req.Trusted); err != nil {
				return errs.Wrap(errs.Validation, err, "invalid attributes")
			}

			actualType, err := lookupObjectType(ctx, tx, tenant, prior.ObjectID)
			if err != nil {
				return err
			}
			if actualType != prior.ObjectType {
				return errs.New(errs.WrongType, "object %s is type %q, not %q", prior.ObjectID, actualType, prior.ObjectType)
			}

			nextVersion := prior.Version + 1
			if err := insertObjectVersionRow(ctx, tx, tenant, prior.ObjectID, nextVersion, req.Definition); err != nil {
				return err
			}
			if err := insertTagVersionRow(ctx, tx, tenant, prior.ObjectID, nextVersion, 1, req.Attrs); err != nil {
				return err
			}

			headers[i] = Header{Tenant: tenant, ObjectType: actualType, ObjectID: prior.ObjectID, Version: nextVersion, TagVersion: 1}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

// SaveNewTags appends the next tag version onto each prior header's object
// version.
func (s *Store) SaveNewTags(ctx context.Context, tenant string, reqs []NewTagRequest) ([]Header, error) {
	headers := make([]Header, len(reqs))
	err := s.db.WithTx(ctx, func(tx dialect.Adapter) error {
		for i, req := range reqs {
			prior := req.PriorHeader
			if err := ValidateAttrs(req.Attrs, req.Trusted); err != nil {
				return errs.Wrap(errs.Validation, err, "invalid attributes")
			}

			exists, err := objectVersionExists(ctx, tx, tenant, prior.ObjectID, prior.Version)
			if err != nil {
				return err
			}
			if !exists {
				return errs.New(errs.NotFound, "object version %s/%d not found", prior.ObjectID, prior.Version)
			}

			nextTag := prior.TagVersion + 1
			if err := insertTagVersionRow(ctx, tx, tenant, prior.ObjectID, prior.Version, nextTag, req.Attrs); err != nil {
				return err
			}

			headers[i] = Header{Tenant: tenant, ObjectType: prior.ObjectType, ObjectID: prior.ObjectID, Version: prior.Version, TagVersion: nextTag}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

// PreallocateIds reserves (object_type, object_id) pairs with no definition,
// to be realized later via SavePreallocatedObjects.
func (s *Store) PreallocateIds(ctx context.Context, tenant string, reqs []PreallocateRequest) ([]Header, error) {
	headers := make([]Header, len(reqs))
	err := s.db.WithTx(ctx, func(tx dialect.Adapter) error {
		for i, req := range reqs {
			if !validObjectType(req.ObjectType) {
				return errs.New(errs.Validation, "unrecognized object type %q", req.ObjectType)
			}
			objectID := req.ObjectID
			if objectID == uuid.Nil {
				objectID = uuid.New()
			}
			if err := insertObjectRow(ctx, tx, tenant, objectID, req.ObjectType); err != nil {
				return err
			}
			headers[i] = Header{Tenant: tenant, ObjectType: req.ObjectType, ObjectID: objectID}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

// SavePreallocatedObjects supplies the first definition for ids reserved via
// PreallocateIds.
func (s *Store) SavePreallocatedObjects(ctx context.Context, tenant string, reqs []NewObjectRequest) ([]Header, error) {
	headers := make([]Header, len(reqs))
	err := s.db.WithTx(ctx, func(tx dialect.Adapter) error {
		for i, req := range reqs {
			actualType, err := lookupObjectType(ctx, tx, tenant, req.ObjectID)
			if err != nil {
				return err
			}
			if actualType != req.ObjectType {
				return errs.New(errs.WrongType, "preallocated object %s is type %q, not %q", req.ObjectID, actualType, req.ObjectType)
			}
			if err := ValidateAttrs(req.Attrs, req.Trusted); err != nil {
				return errs.Wrap(errs.Validation, err, "invalid attributes")
			}

			if err := insertObjectVersionRow(ctx, tx, tenant, req.ObjectID, 1, req.Definition); err != nil {
				return err
			}
			if err := insertTagVersionRow(ctx, tx, tenant, req.ObjectID, 1, 1, req.Attrs); err != nil {
				return err
			}

			headers[i] = Header{Tenant: tenant, ObjectType: actualType, ObjectID: req.ObjectID, Version: 1, TagVersion: 1}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

// LoadObject resolves sel to a single Tag, following LatestVersion/LatestTag
// wildcards.
func (s *Store) LoadObject(ctx context.Context, sel Selector) (*Tag, error) {
	tags, err := s.LoadObjects(ctx, []Selector{sel})
	if err != nil {
		return nil, err
	}
	return tags[0], nil
}

// LoadObjects resolves a batch of selectors in order; any single failure
// fails the whole batch, per §4.2. Batches of more than one selector sharing
// a tenant resolve their object types with one joined query over C1's
// temporary mapping table (spec §4.1) instead of one lookup per selector.
func (s *Store) LoadObjects(ctx context.Context, sels []Selector) ([]*Tag, error) {
	var typeHints map[int]ObjectType
	if len(sels) > 1 && sameTenant(sels) {
		hints, err := s.batchResolveTypes(ctx, sels[0].Tenant, sels)
		if err != nil {
			return nil, err
		}
		typeHints = hints
	}

	out := make([]*Tag, len(sels))
	for i, sel := range sels {
		tag, err := s.loadOne(ctx, sel, typeHints[i])
		if err != nil {
			return nil, err
		}
		out[i] = tag
	}
	return out, nil
}

func sameTenant(sels []Selector) bool {
	for _, sel := range sels[1:] {
		if sel.Tenant != sels[0].Tenant {
			return false
		}
	}
	return true
}

// batchResolveTypes bulk-loads sels' object ids into C1's per-transaction
// mapping table (one INSERT per selector) and joins it against object in one
// query, resolving every selector's object_type without N separate
// lookupObjectType queries. Selectors that
// match no row are simply absent from the returned map; loadOne falls back
// to lookupObjectType for those, which raises the usual errs.NotFound.
func (s *Store) batchResolveTypes(ctx context.Context, tenant string, sels []Selector) (map[int]ObjectType, error) {
	types := make(map[int]ObjectType, len(sels))
	err := s.db.WithTx(ctx, func(tx dialect.Adapter) error {
		if err := tx.PrepareMappingTable(ctx); err != nil {
			return err
		}
		for i, sel := range sels {
			if err := tx.Exec(ctx, `INSERT INTO trac_batch_mapping (ordering, mapped_pk) VALUES ($1, $2)`,
				i, sel.ObjectID.String()); err != nil {
				return err
			}
		}
		return tx.Query(ctx, `
			SELECT m.ordering, o.object_type
			FROM trac_batch_mapping m
			JOIN object o ON o.tenant_code = $1 AND o.object_id = m.mapped_pk`,
			func(r dialect.Row) error {
				var ordering int
				var objType string
				if err := r.Scan(&ordering, &objType); err != nil {
					return err
				}
				types[ordering] = ObjectType(objType)
				return nil
			}, tenant)
	})
	if err != nil {
		return nil, err
	}
	return types, nil
}

func (s *Store) loadOne(ctx context.Context, sel Selector, typeHint ObjectType) (*Tag, error) {
	actualType := typeHint
	if actualType == "" {
		t, err := lookupObjectType(ctx, s.db, sel.Tenant, sel.ObjectID)
		if err != nil {
			return nil, err
		}
		actualType = t
	}
	if sel.ObjectType != "" && actualType != sel.ObjectType {
		return nil, errs.New(errs.WrongType, "object %s is type %q, not %q", sel.ObjectID, actualType, sel.ObjectType)
	}

	version := sel.Version
	if sel.LatestVersion {
		v, err := latestVersion(ctx, s.db, sel.Tenant, sel.ObjectID)
		if err != nil {
			return nil, err
		}
		version = v
	}

	tagVersion := sel.TagVersion
	if sel.LatestTag {
		t, err := latestTagVersion(ctx, s.db, sel.Tenant, sel.ObjectID, version)
		if err != nil {
			return nil, err
		}
		tagVersion = t
	}

	def, createdAt, err := loadDefinition(ctx, s.db, sel.Tenant, sel.ObjectID, version)
	if err != nil {
		return nil, err
	}
	attrs, err := loadAttrs(ctx, s.db, sel.Tenant, sel.ObjectID, version, tagVersion)
	if err != nil {
		return nil, err
	}

	return &Tag{
		Header:     Header{Tenant: sel.Tenant, ObjectType: actualType, ObjectID: sel.ObjectID, Version: version, TagVersion: tagVersion},
		Definition: def,
		Attrs:      attrs,
		CreatedAt:  createdAt,
	}, nil
}

// objectCursor is the decoded form of ListObjects' opaque page token: the
// (object_id, version) of the last row the caller has already seen.
type objectCursor struct {
	ObjectID string `json:"object_id"`
	Version  int32  `json:"version"`
}

func encodeCursor(c objectCursor) string {
	b, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(b)
}

func decodeCursor(token string) (objectCursor, error) {
	if token == "" {
		return objectCursor{}, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return objectCursor{}, errs.Wrap(errs.Validation, err, "malformed page token")
	}
	var c objectCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return objectCursor{}, errs.Wrap(errs.Validation, err, "malformed page token")
	}
	return c, nil
}

// ListObjects lists objects of objType in tenant at their latest version,
// ordered by object id, for administrative/gateway listing endpoints. An
// empty pageToken starts from the beginning; the returned nextPageToken is
// empty once the final page has been reached.
func (s *Store) ListObjects(ctx context.Context, tenant string, objType ObjectType, pageToken string, pageSize int) ([]Header, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	cursor, err := decodeCursor(pageToken)
	if err != nil {
		return nil, "", err
	}

	type row struct {
		objectID string
		version  int32
	}
	var rows []row
	err = s.db.Query(ctx, `
		SELECT o.object_id, ov.version
		FROM object o
		JOIN object_version ov ON ov.tenant_code = o.tenant_code AND ov.object_id = o.object_id
		WHERE o.tenant_code = $1 AND o.object_type = $2 AND o.object_id > $3
		  AND ov.version = (
			SELECT MAX(version) FROM object_version
			WHERE tenant_code = o.tenant_code AND object_id = o.object_id)
		ORDER BY o.object_id
		LIMIT $4`,
		func(r dialect.Row) error {
			var rr row
			if err := r.Scan(&rr.objectID, &rr.version); err != nil {
				return err
			}
			rows = append(rows, rr)
			return nil
		},
		tenant, string(objType), cursor.ObjectID, pageSize+1)
	if err != nil {
		return nil, "", err
	}

	var nextToken string
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		last := rows[len(rows)-1]
		nextToken = encodeCursor(objectCursor{ObjectID: last.objectID, Version: last.version})
	}

	headers := make([]Header, len(rows))
	for i, rr := range rows {
		id, err := parseUUID(rr.objectID)
		if err != nil {
			return nil, "", err
		}
		headers[i] = Header{Tenant: tenant, ObjectType: objType, ObjectID: id, Version: rr.version}
	}
	return headers, nextToken, nil
}

// ListTenants returns every registered tenant.
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	err := s.db.Query(ctx, `SELECT tenant_code, description FROM tenant ORDER BY tenant_code`, func(r dialect.Row) error {
		var t Tenant
		if err := r.Scan(&t.Code, &t.Description); err != nil {
			return err
		}
		tenants = append(tenants, t)
		return nil
	})
	return tenants, err
}

// UpdateTenant updates a tenant's mutable description. The tenant code is
// immutable and must already exist.
func (s *Store) UpdateTenant(ctx context.Context, t Tenant) error {
	var exists bool
	row := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tenant WHERE tenant_code = $1)`, t.Code)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return errs.New(errs.NotFound, "tenant %q not found", t.Code)
	}
	return s.db.Exec(ctx, `UPDATE tenant SET description = $1 WHERE tenant_code = $2`, t.Description, t.Code)
}

// CreateTenant registers a new tenant code. The code is immutable once
// created.
func (s *Store) CreateTenant(ctx context.Context, t Tenant) error {
	err := s.db.Exec(ctx, `INSERT INTO tenant (tenant_code, description) VALUES ($1, $2)`, t.Code, t.Description)
	if err != nil {
		if s.db.MapError(err) == dialect.InsertDuplicate {
			return errs.New(errs.Duplicate, "tenant %q already exists", t.Code)
		}
		return err
	}
	return nil
}

// PurgeTenant is the only destructive operation on the object graph, per the
// §3.1 lifecycle note that objects are "never destroyed except by
// administrative tenant purge". It is not part of the public metadata API.
func (s *Store) PurgeTenant(ctx context.Context, tenantCode string) error {
	return s.db.WithTx(ctx, func(tx dialect.Adapter) error {
		tables := []string{"tag_attr", "tag_version", "object_version", "object", "tenant"}
		for _, table := range tables {
			col := "tenant_code"
			if table == "tenant" {
				col = "tenant_code"
			}
			if err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE "+col+" = $1", tenantCode); err != nil {
				return err
			}
		}
		return nil
	})
}

func checkBatchSelfDuplicates(reqs []NewObjectRequest) error {
	seen := map[uuid.UUID]bool{}
	for _, req := range reqs {
		if req.ObjectID == uuid.Nil {
			continue
		}
		if seen[req.ObjectID] {
			return errs.New(errs.Duplicate, "object id %s appears twice in the same batch", req.ObjectID)
		}
		seen[req.ObjectID] = true
	}
	return nil
}
