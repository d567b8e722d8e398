package metadata

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// tenantModel, objectModel, objectVersionModel, tagVersionModel and
// tagAttrModel are GORM models used only for schema bootstrap (Migrate). The
// hot read/write path never goes through GORM — see store.go, which talks to
// the dialect.Adapter directly — this mirrors the split the teacher keeps
// between db/postgres.go (GORM) and db/postgres_pgx.go (pgx) for schema vs.
// bulk operations.
type tenantModel struct {
	Code        string `gorm:"primaryKey;column:tenant_code"`
	Description string `gorm:"column:description"`
}

func (tenantModel) TableName() string { return "tenant" }

type objectModel struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	TenantCode string    `gorm:"column:tenant_code;uniqueIndex:ux_object_tenant_id"`
	ObjectID   string    `gorm:"column:object_id;uniqueIndex:ux_object_tenant_id"`
	ObjectType string    `gorm:"column:object_type"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (objectModel) TableName() string { return "object" }

type objectVersionModel struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	TenantCode     string    `gorm:"column:tenant_code;uniqueIndex:ux_object_version"`
	ObjectID       string    `gorm:"column:object_id;uniqueIndex:ux_object_version"`
	Version        int32     `gorm:"column:version;uniqueIndex:ux_object_version"`
	DefinitionBody []byte    `gorm:"column:definition_body"`
	HasDefinition  bool      `gorm:"column:has_definition"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (objectVersionModel) TableName() string { return "object_version" }

type tagVersionModel struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	TenantCode string    `gorm:"column:tenant_code;uniqueIndex:ux_tag_version"`
	ObjectID   string    `gorm:"column:object_id;uniqueIndex:ux_tag_version"`
	Version    int32     `gorm:"column:version;uniqueIndex:ux_tag_version"`
	TagVersion int32     `gorm:"column:tag_version;uniqueIndex:ux_tag_version"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (tagVersionModel) TableName() string { return "tag_version" }

// tagAttrModel stores one row per attribute, per tag version. Scalar
// attributes populate the typed value columns directly so the tag-filter
// grammar (search.go) can push predicates down to SQL; ARRAY and MAP
// attributes, which can nest to arbitrary depth, are stored once as their
// JSON encoding in CompositeJSON instead of being exploded across rows.
type tagAttrModel struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement"`
	TenantCode    string  `gorm:"column:tenant_code;index:ix_tag_attr_lookup"`
	ObjectID      string  `gorm:"column:object_id;index:ix_tag_attr_lookup"`
	Version       int32   `gorm:"column:version;index:ix_tag_attr_lookup"`
	TagVersion    int32   `gorm:"column:tag_version;index:ix_tag_attr_lookup"`
	AttrName      string  `gorm:"column:attr_name;index:ix_tag_attr_lookup"`
	AttrType      string  `gorm:"column:attr_type"`
	BoolValue     bool    `gorm:"column:bool_value"`
	IntValue      int64   `gorm:"column:int_value"`
	FloatValue    float64 `gorm:"column:float_value"`
	StringValue   string  `gorm:"column:string_value"`
	CompositeJSON string  `gorm:"column:composite_json"`
}

func (tagAttrModel) TableName() string { return "tag_attr" }

// Migrate runs schema bootstrap against connString using GORM's AutoMigrate,
// following the schema-vs-hot-path split described above. It is intended for
// first-run setup and test fixtures, not the request path.
func Migrate(connString string) error {
	db, err := gorm.Open(postgres.Open(connString), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open gorm connection for migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrap sql.DB: %w", err)
	}
	defer sqlDB.Close()

	if err := db.AutoMigrate(
		&tenantModel{},
		&objectModel{},
		&objectVersionModel{},
		&tagVersionModel{},
		&tagAttrModel{},
	); err != nil {
		return fmt.Errorf("automigrate metadata schema: %w", err)
	}
	return nil
}
