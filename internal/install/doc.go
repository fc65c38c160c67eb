// Package install turns Bitrix24 install callbacks into stored credentials.
//
// Two payloads are accepted:
//   - the ONAPPINSTALL event, whose auth[...] fields carry the token pair and client endpoint
//   - a PLACEMENT=DEFAULT request, which carries AUTH_ID, REFRESH_ID and DOMAIN;
//     its endpoint is https://DOMAIN/rest/
package install
