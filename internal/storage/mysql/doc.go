// Package mysql persists autonomous operation snapshots in MySQL. Schema
// changes are applied from the embedded files in deploy/migrations.
package mysql
