// Package rest calls the Bitrix24 REST API on behalf of an installed application.
//
// A call goes through these steps:
//   - QUERY_LIMIT_EXCEEDED: wait RetryPolicy.Delay and resend the same request
//   - NO_AUTH_FOUND, expired_token or invalid_token: refresh the tokens once and resend
//   - connection failure on an https endpoint: resend once over http
//
// Timeouts are not retried. Other API errors are returned as *APIError.
//
// # Usage
//
//	client := rest.New(rest.WithRefresher(refresher))
//	res, err := client.Call(ctx, cred, "crm.deal.get", map[string]any{"id": 42})
//	cred = res.Credentials
//
// Portal wraps a Client and a tokenstore.CredentialStore for a single portal and
// keeps the credentials current between calls.
package rest
