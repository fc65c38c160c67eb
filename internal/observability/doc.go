// Package observability configures process-wide structured logging.
package observability
