// Package metadata implements the versioned, tenanted, tag-attributed object
// graph kernel (C2) described for the metadata store, running against the
// relational backend abstracted by package dialect (C1).
package metadata

import (
	"time"

	"github.com/google/uuid"
)

// ObjectType is the closed enum of object kinds the store recognizes. Once an
// object is created its type never changes.
type ObjectType string

const (
	ObjectData     ObjectType = "DATA"
	ObjectModel    ObjectType = "MODEL"
	ObjectFlow     ObjectType = "FLOW"
	ObjectJob      ObjectType = "JOB"
	ObjectFile     ObjectType = "FILE"
	ObjectStorage  ObjectType = "STORAGE"
	ObjectSchema   ObjectType = "SCHEMA"
	ObjectConfig   ObjectType = "CONFIG"
	ObjectResource ObjectType = "RESOURCE"
	ObjectCustom   ObjectType = "CUSTOM"
)

// publicWritableTypes is the open-question decision recorded in DESIGN.md:
// public API writes are restricted to FLOW and CUSTOM; everything else is
// trusted-writer only.
var publicWritableTypes = map[ObjectType]bool{
	ObjectFlow:   true,
	ObjectCustom: true,
}

// IsPublicWritable reports whether t may be created or versioned through the
// public (non-trusted) API surface.
func IsPublicWritable(t ObjectType) bool { return publicWritableTypes[t] }

func validObjectType(t ObjectType) bool {
	switch t {
	case ObjectData, ObjectModel, ObjectFlow, ObjectJob, ObjectFile,
		ObjectStorage, ObjectSchema, ObjectConfig, ObjectResource, ObjectCustom:
		return true
	default:
		return false
	}
}

// Header identifies one object within a tenant and the version/tag selected
// or just written.
type Header struct {
	Tenant     string
	ObjectType ObjectType
	ObjectID   uuid.UUID
	Version    int32
	TagVersion int32
}

// Selector addresses a specific tag, or "latest" via LatestVersion/LatestTag.
type Selector struct {
	Tenant       string
	ObjectType   ObjectType
	ObjectID     uuid.UUID
	Version      int32
	LatestVersion bool
	TagVersion   int32
	LatestTag    bool
}

// Definition is the type-specific, immutable payload of an object version.
// The store treats it as an opaque JSON document; callers on top of this
// package know how to interpret it per ObjectType.
type Definition struct {
	Body []byte
}

// Tag is the full record returned by a load: the header that identifies it,
// its definition, and its attribute set.
type Tag struct {
	Header     Header
	Definition Definition
	Attrs      map[string]AttrValue
	CreatedAt  time.Time
}

// NewObjectRequest is one item of a saveNewObjects batch.
type NewObjectRequest struct {
	ObjectType ObjectType
	ObjectID   uuid.UUID // zero value means "allocate a fresh id"
	Definition Definition
	Attrs      map[string]AttrValue
	Trusted    bool
}

// NewVersionRequest is one item of a saveNewVersions batch.
type NewVersionRequest struct {
	PriorHeader Header
	Definition  Definition
	Attrs       map[string]AttrValue
	Trusted     bool
}

// NewTagRequest is one item of a saveNewTags batch.
type NewTagRequest struct {
	PriorHeader Header
	Attrs       map[string]AttrValue
	Trusted     bool
}

// PreallocateRequest reserves an (object_type, object_id) pair with no
// definition yet.
type PreallocateRequest struct {
	ObjectType ObjectType
	ObjectID   uuid.UUID
}

// Tenant is the top-level isolation boundary.
type Tenant struct {
	Code        string
	Description string
}
