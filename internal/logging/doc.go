// Package logging provides structured logging helpers for clusterlink.
//
// All components log through log/slog using the attribute constructors in this
// package so keys stay consistent between the proxy, the object stores and the
// cluster session handlers.
//
//	logger := logging.WithCluster(slog.Default(), cluster.ID())
//	logger.Info("watch restarted",
//	    logging.APIBase("/api/v1/configmaps"),
//	    logging.ResourceVersion(rv))
//
// API server addresses may contain internal IPs. Use Host or SanitizedErr when
// logging them, and never log session tokens directly (see SanitizeToken).
package logging
