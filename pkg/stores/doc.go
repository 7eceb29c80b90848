// Package stores persists the engine state between runs. It keeps the
// StoreState, the artifact cache index and a history of runs with their
// errors in one SQLite file whose schema is managed by embedded migrations.
package stores
