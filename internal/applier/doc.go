// Package applier applies, patches and deletes manifests on a cluster by
// running kubectl against the cluster's session kubeconfig.
//
// Manifests are written to temporary files that are removed after every run,
// whether kubectl succeeds or not. A failed run is an *ExternalProcessError
// carrying kubectl's stderr.
package applier
