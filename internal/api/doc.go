// Package api hosts the relay's HTTP handlers.
//
// Handler ties the browser-facing routes to their collaborators: the OAuth
// flow and session manager for authentication, the upload store for incoming
// media, and the broadcast service that takes an upload live. Dependencies
// are injected through Config; the package keeps no globals.
//
// Handlers assume internal/server has already applied request ids, logging,
// metrics, CORS and rate limiting. Routes that need a signed-in user are
// wrapped with RequireSession, which places the caller's credentials on the
// request context.
package api
