// Package store keeps an in-memory copy of the objects served by one
// kubeapi.API.
//
// A Store is filled by LoadAll (one list per namespace, or one cluster wide
// list) and kept current by Subscribe, which runs a shared list+watch loop per
// namespace. Concurrent loads for the same namespace set share one request.
// When a watch ends the scope is re-listed once and watched again; a 410 Gone
// re-lists immediately, other failures back off exponentially.
//
// Mutations go through the API and never touch the cache directly; the store
// sees their result through its watch.
package store
