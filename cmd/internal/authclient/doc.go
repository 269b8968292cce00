// Package authclient exchanges developer credentials for short-lived bearer tokens.
//
// Two endpoints are supported:
//   - POST {UserBaseURL}/auth/user?id={userID}   (headers dev-id, X-API-Key)
//   - POST {SDKBaseURL}/auth/generateAuthToken   (headers dev-id, x-api-key)
//
// The API-key header name differs in case between the endpoints; the server mandates
// both spellings and they are sent verbatim.
//
// Calls block the calling goroutine until the response or failure is known. There is
// no retry, and no timeout unless one is configured: the deadline comes from ctx.
package authclient
