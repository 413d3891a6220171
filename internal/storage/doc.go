// Package storage persists feedwatch entities in a relational database.
//
// Two drivers are supported through database/sql:
//   - "sqlite": a local database file (modernc.org/sqlite, pure Go)
//   - "postgres": a PostgreSQL DSN (pgx stdlib driver)
//
// Posts and accounts are upserted by id and never deleted. Subscriptions are
// created and removed only by administrative calls. Delivery failures and
// render records are append-only.
package storage
