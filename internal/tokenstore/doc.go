// Package tokenstore persists Bitrix24 portal credentials keyed by member id.
//
// Supports several storage backends with different deployment tradeoffs:
//   - Postgres: the `portals` table, schema managed by embedded goose migrations
//   - Redis: one hash per portal, suitable for stateless function deployments
//   - File: Local filesystem JSON document with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Env: Read-only environment variable access (requires external secret management)
//   - Memory: process-local map for tests and dry runs
//
// OAuth refresh requires writable storage, so the env backend is only usable with
// inbound webhooks or for read-only tooling.
package tokenstore
