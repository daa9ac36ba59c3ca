// Package server exposes the annotator over HTTP.
//
// Routes:
//
//	GET  /             upload form
//	GET  /favicon.ico  204
//	GET  /healthz      liveness
//	GET  /metrics      Prometheus exposition
//	POST /annotate     multipart field "file"; responds with the annotated video
//
// Failures are reported as a JSON envelope:
//
//	{"success": false, "error": {"code": "busy", "message": "..."}, "timestamp": "..."}
package server
