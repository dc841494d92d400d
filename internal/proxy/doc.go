// Package proxy is the local HTTP entry point for cluster traffic.
//
// Requests under /api-kube/ are addressed to one cluster, chosen by a
// {id}.localhost host or the X-Cluster-ID header. They are forwarded to that
// cluster's auth proxy with the session token, connecting the cluster first
// when needed. Upgrade requests (exec, attach, port-forward) take over the
// client connection and are piped byte for byte.
//
// Local routes:
//
//	PATCH /api/stack   JSON patch one object with kubectl
//	POST  /api/stack   apply one manifest with kubectl
//	GET   /healthz, /readyz
package proxy
