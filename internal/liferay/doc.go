// Package liferay is the HTTP connection to a remote portal's headless REST
// applications. It expands path templates, applies authentication and a
// client-side rate limit, bounds every call with its own timeout, and offers
// the response validator and JSON payload reader that operations use to
// interpret what comes back.
package liferay
