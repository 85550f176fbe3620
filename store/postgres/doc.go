// Package postgres implements the store using pgx/v5 with raw SQL and
// embedded SQL migrations. The recommended backend for production
// deployments.
package postgres
