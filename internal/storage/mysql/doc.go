// Package mysql persists finished orchestrator sessions. It offers a
// JSON-lines file repository for local runs and a SQL repository backed by
// MySQL or SQLite, together with the connection and embedded-migration helpers
// shared with the task store.
package mysql
