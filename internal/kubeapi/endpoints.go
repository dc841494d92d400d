package kubeapi

import (
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"
)

// Namespace is a core/v1 Namespace.
type Namespace struct {
	*KubeObject
	Phase corev1.NamespacePhase
}

// NamespaceDescriptor describes /api/v1/namespaces.
func NamespaceDescriptor() Descriptor[*Namespace] {
	return Descriptor[*Namespace]{
		Kind:       "Namespace",
		Namespaced: false,
		APIBase:    "/api/v1/namespaces",
		Decode: func(data []byte) (*Namespace, error) {
			var body struct {
				Status corev1.NamespaceStatus `json:"status"`
			}
			obj, err := decodeWith(data, &body)
			if err != nil {
				return nil, err
			}
			return &Namespace{KubeObject: obj, Phase: body.Status.Phase}, nil
		},
	}
}

// StatusText returns the namespace phase or "-" when unknown.
func (n *Namespace) StatusText() string {
	if n.Phase == "" {
		return "-"
	}
	return string(n.Phase)
}

// ConfigMap is a core/v1 ConfigMap.
type ConfigMap struct {
	*KubeObject
	Data       map[string]string
	BinaryData map[string][]byte
	Immutable  bool
}

// ConfigMapDescriptor describes /api/v1/configmaps.
func ConfigMapDescriptor() Descriptor[*ConfigMap] {
	return Descriptor[*ConfigMap]{
		Kind:       "ConfigMap",
		Namespaced: true,
		APIBase:    "/api/v1/configmaps",
		Decode: func(data []byte) (*ConfigMap, error) {
			var body struct {
				Data       map[string]string `json:"data"`
				BinaryData map[string][]byte `json:"binaryData"`
				Immutable  *bool             `json:"immutable"`
			}
			obj, err := decodeWith(data, &body)
			if err != nil {
				return nil, err
			}
			return &ConfigMap{
				KubeObject: obj,
				Data:       body.Data,
				BinaryData: body.BinaryData,
				Immutable:  body.Immutable != nil && *body.Immutable,
			}, nil
		},
	}
}

// Keys returns the data keys in sorted order.
func (c *ConfigMap) Keys() []string {
	return sortedKeys(c.Data)
}

// Secret is a core/v1 Secret. Data values are already base64 decoded.
type Secret struct {
	*KubeObject
	Type corev1.SecretType
	Data map[string][]byte
}

// SecretDescriptor describes /api/v1/secrets.
func SecretDescriptor() Descriptor[*Secret] {
	return Descriptor[*Secret]{
		Kind:       "Secret",
		Namespaced: true,
		APIBase:    "/api/v1/secrets",
		Decode: func(data []byte) (*Secret, error) {
			var body struct {
				Type corev1.SecretType `json:"type"`
				Data map[string][]byte `json:"data"`
			}
			obj, err := decodeWith(data, &body)
			if err != nil {
				return nil, err
			}
			return &Secret{KubeObject: obj, Type: body.Type, Data: body.Data}, nil
		},
	}
}

// Keys returns the data keys in sorted order.
func (s *Secret) Keys() []string {
	return sortedKeys(s.Data)
}

// Token returns the service account token, if any.
func (s *Secret) Token() string {
	return string(s.Data[corev1.ServiceAccountTokenKey])
}

// RoleBinding binds a role to subjects within a namespace.
type RoleBinding struct {
	*KubeObject
	Subjects []rbacv1.Subject
	RoleRef  rbacv1.RoleRef
}

// RoleBindingDescriptor describes rbac.authorization.k8s.io/v1 rolebindings.
func RoleBindingDescriptor() Descriptor[*RoleBinding] {
	return Descriptor[*RoleBinding]{
		Kind:       "RoleBinding",
		Namespaced: true,
		APIBase:    "/apis/rbac.authorization.k8s.io/v1/rolebindings",
		Decode: decodeBinding[*RoleBinding](func(obj *KubeObject, s []rbacv1.Subject, r rbacv1.RoleRef) *RoleBinding {
			return &RoleBinding{KubeObject: obj, Subjects: s, RoleRef: r}
		}),
	}
}

// SubjectNames returns the subject names joined by ", ".
func (b *RoleBinding) SubjectNames() string {
	return subjectNames(b.Subjects)
}

// ClusterRoleBinding binds a cluster role to subjects.
type ClusterRoleBinding struct {
	*KubeObject
	Subjects []rbacv1.Subject
	RoleRef  rbacv1.RoleRef
}

// ClusterRoleBindingDescriptor describes rbac.authorization.k8s.io/v1 clusterrolebindings.
func ClusterRoleBindingDescriptor() Descriptor[*ClusterRoleBinding] {
	return Descriptor[*ClusterRoleBinding]{
		Kind:       "ClusterRoleBinding",
		Namespaced: false,
		APIBase:    "/apis/rbac.authorization.k8s.io/v1/clusterrolebindings",
		Decode: decodeBinding[*ClusterRoleBinding](func(obj *KubeObject, s []rbacv1.Subject, r rbacv1.RoleRef) *ClusterRoleBinding {
			return &ClusterRoleBinding{KubeObject: obj, Subjects: s, RoleRef: r}
		}),
	}
}

// SubjectNames returns the subject names joined by ", ".
func (b *ClusterRoleBinding) SubjectNames() string {
	return subjectNames(b.Subjects)
}

// Ingress is served by networking.k8s.io/v1 on current clusters and by
// extensions/v1beta1 on old ones.
type Ingress struct {
	*KubeObject
	IngressSpec networkingv1.IngressSpec
}

// IngressDescriptor prefers extensions/v1beta1 and falls back to networking.k8s.io/v1.
func IngressDescriptor() Descriptor[*Ingress] {
	return Descriptor[*Ingress]{
		Kind:             "Ingress",
		Namespaced:       true,
		APIBase:          "/apis/extensions/v1beta1/ingresses",
		FallbackAPIBases: []string{"/apis/networking.k8s.io/v1/ingresses"},
		Decode: func(data []byte) (*Ingress, error) {
			var body struct {
				Spec networkingv1.IngressSpec `json:"spec"`
			}
			obj, err := decodeWith(data, &body)
			if err != nil {
				return nil, err
			}
			return &Ingress{KubeObject: obj, IngressSpec: body.Spec}, nil
		},
	}
}

// Hosts returns the hosts of all rules.
func (i *Ingress) Hosts() []string {
	hosts := make([]string, 0, len(i.IngressSpec.Rules))
	for _, rule := range i.IngressSpec.Rules {
		if rule.Host != "" {
			hosts = append(hosts, rule.Host)
		}
	}
	return hosts
}

// GenericDescriptor describes an arbitrary resource decoded as *KubeObject.
func GenericDescriptor(kind, apiBase string, namespaced bool, fallbacks ...string) Descriptor[*KubeObject] {
	return Descriptor[*KubeObject]{
		Kind:             kind,
		Namespaced:       namespaced,
		APIBase:          apiBase,
		FallbackAPIBases: fallbacks,
		Decode:           DecodeKubeObject,
	}
}

func decodeBinding[T Object](build func(*KubeObject, []rbacv1.Subject, rbacv1.RoleRef) T) func([]byte) (T, error) {
	return func(data []byte) (T, error) {
		var body struct {
			Subjects []rbacv1.Subject `json:"subjects"`
			RoleRef  rbacv1.RoleRef   `json:"roleRef"`
		}
		obj, err := decodeWith(data, &body)
		if err != nil {
			var zero T
			return zero, err
		}
		return build(obj, body.Subjects, body.RoleRef), nil
	}
}

func subjectNames(subjects []rbacv1.Subject) string {
	names := make([]string, 0, len(subjects))
	for _, s := range subjects {
		names = append(names, s.Name)
	}
	return strings.Join(names, ", ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
