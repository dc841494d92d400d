// Package cluster manages connections to the clusters of one or more
// kubeconfig files.
//
// Each kubeconfig context gets a ContextHandler. Connecting it loads the
// context's credentials with client-go and starts a TLS auth proxy on
// 127.0.0.1 that forwards to the real API server. Local clients reach the
// proxy with a short-lived session token, either directly or through the
// kubeconfig the handler writes into a private temporary directory.
//
// The handler moves through these states:
//
//	disconnected -> connecting -> connected <-> refreshing
//	connected | refreshing -> disconnecting -> disconnected
//
// A 401 or 403 from the upstream server starts a refresh in the background.
// A failed refresh disconnects the cluster and marks it failed.
package cluster
