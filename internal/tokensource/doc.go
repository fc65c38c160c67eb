// Package tokensource exchanges Bitrix24 refresh tokens for new token pairs.
//
// The Bitrix24 OAuth server deviates from the standard in one way that requires
// custom handling:
//   - Token refresh is a GET with query parameters (standard OAuth2 POSTs a form body)
//
// # Exchange
//
// Use NewExchanger with the application's client id and secret:
//
//	ex := tokensource.NewExchanger(clientID, clientSecret)
//	tokens, err := ex.Exchange(ctx, record.RefreshToken)
//
// A response that is not JSON, or that lacks access_token or refresh_token, is
// reported as a *DecodeError carrying the raw body.
//
// # Persisting refreshed tokens
//
// Refresher combines an exchanger with a tokenstore.CredentialStore:
//
//	r, err := tokensource.NewRefresher(ex, store)
//	updated, err := r.Refresh(ctx, record)
package tokensource
