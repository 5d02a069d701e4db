// Package storage is the persistent per-entity history layer.
//
// It keeps at most one record per (entity, category) pair and is the
// single source of truth for alert replay after a restart.
package storage
