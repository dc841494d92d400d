// Package kubeapi is the typed client layer for Kubernetes resources.
//
// It contains three pieces:
//
//   - Parse and BuildURL convert between REST paths such as
//     /apis/apps/v1/namespaces/default/deployments/web and their parts.
//   - KubeObject is the validated, read-only representation of a resource,
//     with typed kinds (ConfigMap, Secret, Ingress, ...) embedding it.
//   - API[T] is a per-kind client generic over a Descriptor. It negotiates
//     the api base against the server (falling back to alternative group
//     versions), runs list/get/create/update/patch/delete calls and opens
//     watch streams.
//
// Errors from the server are returned as *apierrors.StatusError so callers
// keep the Status payload. IsRetryable, IsAuthError and IsStaleWatch classify
// them; a watch ending with ErrStaleWatch must be followed by a fresh list.
//
// Usage:
//
//	client, _ := kubeapi.NewRESTClient(restConfig)
//	api, _ := kubeapi.NewAPI(client, kubeapi.ConfigMapDescriptor())
//	list, err := api.List(ctx, kubeapi.ListOptions{Namespace: "default"})
package kubeapi
