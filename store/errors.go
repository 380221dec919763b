package store

import "errors"

var (
	// ErrNotFound is returned when an entity doesn't exist.
	ErrNotFound = errors.New("relate: entity not found")

	// ErrUnknownRelationship is returned when a relationship name was never registered for the owner type.
	ErrUnknownRelationship = errors.New("relate: unknown relationship")

	// ErrInvalidThroughPath is returned at registration when a through relationship
	// has a hop whose foreign key is not declared on the type it must live on.
	ErrInvalidThroughPath = errors.New("relate: invalid through path")

	// ErrInvalidDescriptor is returned when a descriptor's populated fields don't match its kind.
	ErrInvalidDescriptor = errors.New("relate: invalid relationship descriptor")

	// ErrUnknownType is returned when an entity type was never defined.
	ErrUnknownType = errors.New("relate: unknown entity type")

	// ErrUnknownField is returned when an attribute or key is not declared on the entity type.
	ErrUnknownField = errors.New("relate: unknown field")

	// ErrInvalidAttribute is returned when an attribute value is not a scalar.
	ErrInvalidAttribute = errors.New("relate: invalid attribute value")

	// ErrReservedField is returned when attributes try to set the identifier.
	ErrReservedField = errors.New("relate: reserved field")

	// ErrDuplicateRelationship is returned when a relationship name is registered twice for a type.
	ErrDuplicateRelationship = errors.New("relate: relationship already registered")

	// ErrRegistryFrozen is returned when the registry is mutated after a Store was built on it.
	ErrRegistryFrozen = errors.New("relate: registry is frozen")

	// ErrWrongCardinality is returned when One is used with a to-many relationship.
	ErrWrongCardinality = errors.New("relate: relationship is not singular")

	// ErrNotPersisted is returned when a relationship is resolved from an entity that was never saved.
	ErrNotPersisted = errors.New("relate: entity is not persisted")

	// ErrNotPivot is returned when pivot operations are requested on a non many-to-many relationship.
	ErrNotPivot = errors.New("relate: relationship has no pivot")

	// ErrConcurrentModification is returned when a pivot write lost a race with another writer.
	ErrConcurrentModification = errors.New("relate: pivot was modified concurrently")
)
