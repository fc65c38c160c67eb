package tokensource

import (
	"golang.org/x/oauth2"
)

// Endpoint defines the Bitrix24 OAuth server. Only the token URL is used;
// authorization happens inside the portal when the app is installed.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://oauth.bitrix.info/oauth/authorize/",
	TokenURL:  "https://oauth.bitrix.info/oauth/token/",
	AuthStyle: oauth2.AuthStyleInParams,
}
