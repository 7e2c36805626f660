// Package pgstore is a Postgres session backend for authflow, for
// deployments that want sessions to survive a Redis flush.
//
// Rotation runs in a transaction holding the session row lock, so two
// refreshes presenting the same generation serialize and exactly one
// advances it. A stale generation deletes the row. Postgres has no key TTL;
// expired rows are rejected on read and removed by [Store.Purge].
//
// [Migrate] applies the embedded schema with golang-migrate.
package pgstore
