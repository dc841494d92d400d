// Package apimanager is the per-cluster registry of APIs and object stores,
// keyed by api base.
//
// Bases are looked up literally or from any resource path, so an object's
// selfLink finds the store that holds it:
//
//	s, ok := manager.GetStore("/api/v1/namespaces/default/configmaps/app")
//
// When an API falls back to another group version, its entries move to the
// new base and keep their identity.
package apimanager
