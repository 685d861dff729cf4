// Package model defines the entity contract consumed by the sync core:
// the shape a caller's data model must satisfy to be stored, synced, and
// reconciled, plus the relation descriptor used for foreign-key rewrites
// and cascade deletes.
package model

import "time"

// IDStrategy declares how an entity's primary key is assigned.
type IDStrategy int

const (
	// ClientGenerated means the caller assigns the id (e.g. a UUID) before
	// the first save; no ID negotiation is ever performed for this type.
	ClientGenerated IDStrategy = iota
	// ServerGenerated means the id returned by createOne replaces a
	// temporary client-assigned id via ID negotiation (spec §4.6).
	ServerGenerated
)

func (s IDStrategy) String() string {
	if s == ServerGenerated {
		return "server-generated"
	}
	return "client-generated"
}

// Entity is the minimal contract a caller's model must implement.
// Concrete model types are ordinary Go structs; callers supply a
// ModelAdapter (below) rather than implementing Entity methods directly,
// mirroring the teacher's FieldMapper seam (internal/tracker.FieldMapper)
// between a local representation and its wire form.
type Entity interface {
	// ID returns the entity's current primary key.
	ID() string
	// CreatedAt returns the creation timestamp, if the model tracks one.
	CreatedAt() time.Time
	// UpdatedAt returns the last local mutation timestamp, if tracked.
	UpdatedAt() time.Time
}

// Relation describes one foreign-key edge from a child model type to a
// parent model type, used by cascade delete (§4.8) and ID-rewrite
// propagation (§4.6). The descriptor is supplied by the model layer, not
// discovered at runtime, per the REDESIGN note against schema reflection.
type Relation struct {
	// ChildType is the model type name owning the foreign key.
	ChildType string
	// ForeignKeyField is the column/field on ChildType holding the parent id.
	ForeignKeyField string
	// ParentType is the model type the foreign key references.
	ParentType string
	// Cascade, when true, means deleting the parent deletes matching
	// children (§4.8). When false the relation is only used for ID rewrite
	// propagation (§4.6), not cascade delete.
	Cascade bool
}

// Descriptor is the per-model-type static metadata the core needs:
// its ID strategy and the relations it participates in (as parent).
type Descriptor struct {
	TypeName   string
	IDStrategy IDStrategy
	// ChildRelations lists relations where this type is the parent,
	// i.e. the edges cascade delete walks and ID negotiation rewrites.
	ChildRelations []Relation
}

// SchemaRegistry holds Descriptors for every registered model type. It is
// consulted by cascade delete and ID negotiation to find child relations
// without runtime reflection.
type SchemaRegistry struct {
	descriptors map[string]Descriptor
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{descriptors: make(map[string]Descriptor)}
}

// Register adds or replaces a type's descriptor.
func (r *SchemaRegistry) Register(d Descriptor) {
	r.descriptors[d.TypeName] = d
}

// Get returns the descriptor for a type name, and whether it was found.
func (r *SchemaRegistry) Get(typeName string) (Descriptor, bool) {
	d, ok := r.descriptors[typeName]
	return d, ok
}

// ChildRelationsOf returns every child relation declared for typeName,
// cascading or not (callers that only want cascade-eligible relations
// filter on Relation.Cascade), or nil if the type is unregistered or has
// none.
func (r *SchemaRegistry) ChildRelationsOf(typeName string) []Relation {
	d, ok := r.descriptors[typeName]
	if !ok {
		return nil
	}
	return d.ChildRelations
}

// Record is a generic, field-addressable snapshot of an entity, used as the
// sync queue payload representation and for foreign-key rewrite (§3, §4.6).
// Using a map rather than a generated struct-per-model keeps the core free
// of code generation, per the REDESIGN note in spec.md §9: the DAO surface
// is a typed contract, but the core's own bookkeeping (payloads, FK rewrite)
// only needs field-name addressing.
type Record map[string]any

// ID returns the "id" field as a string, or "" if absent/not a string.
func (r Record) ID() string {
	v, _ := r["id"].(string)
	return v
}

// WithID returns a shallow copy of r with "id" set to newID.
func (r Record) WithID(newID string) Record {
	out := r.Clone()
	out["id"] = newID
	return out
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RewriteForeignKey returns a copy of r with every field named fkField
// whose value equals oldID replaced by newID. Non-matching records are
// returned unchanged (but still copied, to keep call sites allocation-free
// of aliasing bugs).
func (r Record) RewriteForeignKey(fkField, oldID, newID string) Record {
	out := r.Clone()
	if v, ok := out[fkField].(string); ok && v == oldID {
		out[fkField] = newID
	}
	return out
}

// ModelAdapter bridges a caller's concrete Go struct to the Record form
// the core persists and negotiates over, the seam promised above: callers
// never implement Entity directly, they supply a ModelAdapter and get a
// typed internal/repository.Repository[T] back. Grounded on the teacher's
// internal/tracker.FieldMapper, which plays the same role between a
// tracker's wire shape and beads' own issue type.
type ModelAdapter[T any] interface {
	// TypeName returns the registered model type name (matches the
	// Descriptor registered in a SchemaRegistry and the httpadapter's
	// singular/plural names).
	TypeName() string
	// ToRecord flattens entity into its Record representation.
	ToRecord(entity T) Record
	// FromRecord reconstructs a T from a stored Record.
	FromRecord(rec Record) (T, error)
}

