// Package server hosts the AudioPirate HTTP surface: the WebSocket stream
// endpoint, token issue and logout over plain HTTP, health and metrics.
//
// Every route shares one middleware chain of request IDs, security headers,
// CORS, logging, metrics and the global request budget.
package server
