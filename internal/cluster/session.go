package cluster

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"k8s.io/client-go/util/cert"
)

const kubeconfigFileName = "kubeconfig"

// Session is the local view of a connected cluster: where its auth proxy
// listens, how to trust it and which token it accepts.
type Session struct {
	ProxyURL       string
	ProxyCA        []byte
	KubeconfigPath string
	Token          string
	TokenExpiry    time.Time

	// Namespace is the default namespace of the kubeconfig context.
	Namespace string

	dir string
}

// Expired reports whether the session token is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.TokenExpiry)
}

// ExpiresWithin reports whether the session token stops being valid within d of now.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return s.Expired(now.Add(d))
}

// loadRESTConfig builds the upstream client config of one kubeconfig context.
// Exec plugins, tokens and client certificates are handled by client-go.
func loadRESTConfig(kubeconfigPath, contextName string) (*rest.Config, string, error) {
	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		rules,
		&clientcmd.ConfigOverrides{CurrentContext: contextName},
	)

	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load rest config for context %q: %w", contextName, err)
	}

	namespace, _, err := clientConfig.Namespace()
	if err != nil {
		namespace = ""
	}
	return cfg, namespace, nil
}

// newLoopbackCertificate creates a self-signed serving certificate for
// 127.0.0.1 and localhost. The returned PEM holds the certificate followed by
// its CA and is what clients trust.
func newLoopbackCertificate() (tls.Certificate, []byte, error) {
	certPEM, keyPEM, err := cert.GenerateSelfSignedCertKey("127.0.0.1", []net.IP{net.ParseIP("127.0.0.1")}, []string{"localhost"})
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to generate loopback certificate: %w", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to load loopback certificate: %w", err)
	}
	return pair, certPEM, nil
}

// newSessionDir creates the private directory holding the session kubeconfig.
func newSessionDir(id string) (string, error) {
	dir, err := os.MkdirTemp("", "clusterlink-"+id+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to restrict session directory: %w", err)
	}
	return dir, nil
}

// writeKubeconfig writes a kubeconfig that reaches the cluster through the
// auth proxy of s. The file is only readable by the owner.
func writeKubeconfig(s *Session, contextName string) error {
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[contextName] = &clientcmdapi.Cluster{
		Server:                   s.ProxyURL,
		CertificateAuthorityData: s.ProxyCA,
	}
	cfg.AuthInfos[contextName] = &clientcmdapi.AuthInfo{Token: s.Token}
	cfg.Contexts[contextName] = &clientcmdapi.Context{
		Cluster:   contextName,
		AuthInfo:  contextName,
		Namespace: s.Namespace,
	}
	cfg.CurrentContext = contextName

	if s.KubeconfigPath == "" {
		s.KubeconfigPath = filepath.Join(s.dir, kubeconfigFileName)
	}
	if err := clientcmd.WriteToFile(*cfg, s.KubeconfigPath); err != nil {
		return fmt.Errorf("failed to write session kubeconfig: %w", err)
	}
	return os.Chmod(s.KubeconfigPath, 0o600)
}
