package kubeapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// LastAppliedAnnotation is the annotation kubectl uses to store the last applied manifest.
const LastAppliedAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

// Object is implemented by every resource kind served by an API.
// Typed resources embed *KubeObject to satisfy it.
type Object interface {
	Base() *KubeObject
	ID() string
	Name() string
	Namespace() string
	ResourceVersion() string
	SelfLink() string
}

// KubeObject is the common representation of a cluster resource.
// Values are never modified after construction; an update replaces the object.
type KubeObject struct {
	APIVersion string            `json:"apiVersion"`
	Kind       string            `json:"kind"`
	Metadata   metav1.ObjectMeta `json:"metadata"`
	Spec       json.RawMessage   `json:"spec,omitempty"`
	Status     json.RawMessage   `json:"status,omitempty"`

	raw json.RawMessage
}

var _ Object = (*KubeObject)(nil)

// objectHeader is used to validate required fields before decoding.
type objectHeader struct {
	APIVersion any `json:"apiVersion"`
	Kind       any `json:"kind"`
	Metadata   *struct {
		UID             any `json:"uid"`
		Name            any `json:"name"`
		ResourceVersion any `json:"resourceVersion"`
	} `json:"metadata"`
}

// NewKubeObject builds a KubeObject from a server payload. The payload must
// carry kind, apiVersion, metadata.uid, metadata.name and
// metadata.resourceVersion as non-empty strings.
func NewKubeObject(data []byte) (*KubeObject, error) {
	var header objectHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, &ParseError{Input: string(data), Reason: "invalid object json", Err: err}
	}

	missing := make([]string, 0, 5)
	if !isNonEmptyString(header.Kind) {
		missing = append(missing, "kind")
	}
	if !isNonEmptyString(header.APIVersion) {
		missing = append(missing, "apiVersion")
	}
	if header.Metadata == nil {
		missing = append(missing, "metadata")
	} else {
		if !isNonEmptyString(header.Metadata.UID) {
			missing = append(missing, "metadata.uid")
		}
		if !isNonEmptyString(header.Metadata.Name) {
			missing = append(missing, "metadata.name")
		}
		if !isNonEmptyString(header.Metadata.ResourceVersion) {
			missing = append(missing, "metadata.resourceVersion")
		}
	}
	if len(missing) > 0 {
		return nil, &ParseError{
			Input:  string(data),
			Reason: fmt.Sprintf("missing or invalid %s", strings.Join(missing, ", ")),
		}
	}

	obj := &KubeObject{}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, &ParseError{Input: string(data), Reason: "invalid object", Err: err}
	}
	obj.raw = append(json.RawMessage(nil), data...)

	return obj, nil
}

// DecodeKubeObject is the Decode function for untyped resources.
func DecodeKubeObject(data []byte) (*KubeObject, error) {
	return NewKubeObject(data)
}

// decodeWith builds the base object and decodes the kind specific fields into body.
func decodeWith(data []byte, body any) (*KubeObject, error) {
	obj, err := NewKubeObject(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, body); err != nil {
		return nil, &ParseError{Input: string(data), Reason: "invalid " + obj.Kind, Err: err}
	}
	return obj, nil
}

func isNonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

// Base returns the object itself.
func (o *KubeObject) Base() *KubeObject { return o }

// ID returns the object's uid.
func (o *KubeObject) ID() string { return string(o.Metadata.UID) }

// Name returns metadata.name.
func (o *KubeObject) Name() string { return o.Metadata.Name }

// Namespace returns metadata.namespace, empty for cluster scoped objects.
func (o *KubeObject) Namespace() string { return o.Metadata.Namespace }

// ResourceVersion returns metadata.resourceVersion.
func (o *KubeObject) ResourceVersion() string { return o.Metadata.ResourceVersion }

// SelfLink returns the API path of the object.
func (o *KubeObject) SelfLink() string { return o.Metadata.SelfLink }

// Raw returns the payload the object was built from.
func (o *KubeObject) Raw() json.RawMessage { return o.raw }

// CreationTime returns metadata.creationTimestamp.
func (o *KubeObject) CreationTime() time.Time { return o.Metadata.CreationTimestamp.Time }

// Age returns how long the object has existed at now.
func (o *KubeObject) Age(now time.Time) time.Duration {
	created := o.CreationTime()
	if created.IsZero() || now.Before(created) {
		return 0
	}
	return now.Sub(created)
}

// IsTerminating reports whether a deletion timestamp is set.
func (o *KubeObject) IsTerminating() bool {
	return o.Metadata.DeletionTimestamp != nil
}

// LabelStrings returns the labels as sorted "key=value" strings.
func (o *KubeObject) LabelStrings() []string {
	return pairs(o.Metadata.Labels, nil)
}

// AnnotationStrings returns the annotations as sorted "key=value" strings.
// The last-applied-configuration annotation is left out unless includeLastApplied is set.
func (o *KubeObject) AnnotationStrings(includeLastApplied bool) []string {
	skip := func(key string) bool {
		return !includeLastApplied && key == LastAppliedAnnotation
	}
	return pairs(o.Metadata.Annotations, skip)
}

// OwnerRef is an owner reference together with the namespace it lives in.
type OwnerRef struct {
	metav1.OwnerReference
	Namespace string
}

// OwnerRefs returns the owner references. Owners of namespaced objects are
// assumed to share the object's namespace.
func (o *KubeObject) OwnerRefs() []OwnerRef {
	refs := make([]OwnerRef, 0, len(o.Metadata.OwnerReferences))
	for _, ref := range o.Metadata.OwnerReferences {
		refs = append(refs, OwnerRef{OwnerReference: ref, Namespace: o.Metadata.Namespace})
	}
	return refs
}

// Finalizers returns metadata.finalizers.
func (o *KubeObject) Finalizers() []string {
	return o.Metadata.Finalizers
}

// SearchFields returns the values a free text filter should match against.
func (o *KubeObject) SearchFields() []string {
	fields := []string{o.Name(), o.Namespace(), o.ID()}
	fields = append(fields, o.LabelStrings()...)
	return fields
}

// String implements fmt.Stringer.
func (o *KubeObject) String() string {
	if o.Metadata.Namespace == "" {
		return fmt.Sprintf("%s/%s", o.Kind, o.Metadata.Name)
	}
	return fmt.Sprintf("%s/%s/%s", o.Kind, o.Metadata.Namespace, o.Metadata.Name)
}

// ensureSelfLink derives the self link from the parsed api base when the server left it out.
func (o *KubeObject) ensureSelfLink(p Parsed) {
	if o.Metadata.SelfLink != "" {
		return
	}
	o.Metadata.SelfLink = BuildURL(URLParts{
		APIPrefix:  p.APIPrefix,
		APIVersion: p.APIVersionWithGroup,
		Resource:   p.Resource,
		Namespace:  o.Metadata.Namespace,
		Name:       o.Metadata.Name,
	})
}

func pairs(m map[string]string, skip func(string) bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if skip != nil && skip(k) {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
