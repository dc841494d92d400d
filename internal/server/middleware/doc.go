// Package middleware provides HTTP middleware for the clusterlink proxy:
// request metrics, security headers, CORS and request size limits.
package middleware
