// Package httpmw holds the HTTP middleware shared by the public and admin
// listeners.
//
// httpserver.NewHandler composes them with Chain, outermost first: security
// headers, panic recovery, request ID, client IP, tracing, policy version
// and trace ID headers, metrics, the request logger, then the chi router
// with route annotation, access log and body limit inside it.
//
// Caller supplied values (query strings, headers, the identities being
// checked) stay out of log fields and span attributes. The one exception is
// a request ID that passes validRequestID.
package httpmw
