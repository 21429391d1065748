// Package httpmw holds the middleware stack of the ops HTTP server.
//
// Order, outermost first: RequestID, WithLogger, Recover, otelhttp,
// TraceResponseHeaders, metrics, AccessLog, AnnotateHTTPRoute. Handlers
// that accept a body add MaxBody on their own route.
//
// Query strings and headers other than the request id never reach logs.
package httpmw
