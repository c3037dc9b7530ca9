// Package store persists agents, activities, messages, proposals, consensus
// rounds, escrows and disputes. Mutable entities carry a version column and are
// updated with a status-and-version guarded UPDATE so concurrent writers lose
// with a state conflict instead of overwriting each other.
package store
