package kubeapi

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultAPIPrefix is used by BuildURL when no prefix is given.
const DefaultAPIPrefix = "/apis"

// versionSegment matches a segment that looks like a Kubernetes API version (v1, v2beta1, ...).
var versionSegment = regexp.MustCompile(`^v[0-9]`)

// Parsed is the decomposition of a Kubernetes REST path.
type Parsed struct {
	APIPrefix           string
	APIGroup            string
	APIVersion          string
	APIVersionWithGroup string
	Resource            string
	Namespace           string
	Name                string

	// APIBase is the canonical {prefix}/{group}/{version}/{resource} path.
	APIBase string
}

// URLParts are the inputs of BuildURL.
type URLParts struct {
	APIPrefix string
	// APIVersion includes the group when there is one, e.g. "apps/v1".
	APIVersion string
	Resource   string
	Namespace  string
	Name       string
}

// URLParts returns the parts that BuildURL needs to reconstruct the parsed path.
func (p Parsed) URLParts() URLParts {
	return URLParts{
		APIPrefix:  p.APIPrefix,
		APIVersion: p.APIVersionWithGroup,
		Resource:   p.Resource,
		Namespace:  p.Namespace,
		Name:       p.Name,
	}
}

// Parse splits an API path such as /apis/apps/v1/namespaces/default/deployments/web
// into its group, version, resource, namespace and name.
//
// Cluster-scoped paths are ambiguous without a schema because the group may be
// absent. Parse resolves them with a fixed heuristic over the number of segments:
//
//   - 1 segment: version
//   - 2 segments: version, resource
//   - 4 segments: group, version, resource, name
//   - otherwise: if the first segment contains a dot or the second looks like a
//     version, the first two are group and version and the rest is the resource;
//     else the first is the version and the next two are resource and name.
//
// Callers depend on this exact order, including its mistakes.
func Parse(path string) (Parsed, error) {
	apiPath := path
	if u, err := url.Parse(path); err == nil {
		apiPath = u.Path
	}
	if !strings.HasPrefix(apiPath, "/") {
		apiPath = "/" + apiPath
	}

	segments := strings.Split(apiPath, "/")[1:]
	p := Parsed{APIPrefix: "/" + segments[0]}
	left, right, namespaced := splitAt(segments[1:], "namespaces")

	if namespaced {
		switch len(right) {
		case 0:
			p.Resource = "namespaces"
		case 1:
			p.Name = right[0]
			p.Resource = "namespaces"
		default:
			p.Namespace, p.Resource = right[0], right[1]
			if len(right) > 2 {
				p.Name = right[2]
			}
		}
		if n := len(left); n > 0 {
			p.APIVersion = left[n-1]
			p.APIGroup = strings.Join(left[:n-1], "/")
		}
	} else {
		switch len(left) {
		case 0:
			return Parsed{}, &ParseError{Input: path, Reason: "no api version or resource"}
		case 4:
			p.APIGroup, p.APIVersion, p.Resource, p.Name = left[0], left[1], left[2], left[3]
		case 2:
			p.Resource = left[1]
			p.APIVersion = left[0]
		case 1:
			p.APIVersion = left[0]
		default:
			if strings.Contains(left[0], ".") || versionSegment.MatchString(left[1]) {
				p.APIGroup, p.APIVersion = left[0], left[1]
				p.Resource = strings.Join(left[2:], "/")
			} else {
				p.APIVersion = left[0]
				p.Resource = left[1]
				p.Name = left[2]
			}
		}
	}

	p.APIVersionWithGroup = joinNonEmpty("/", p.APIGroup, p.APIVersion)
	p.APIBase = joinNonEmpty("/", p.APIPrefix, p.APIGroup, p.APIVersion, p.Resource)
	if p.APIBase == "" || p.APIBase == "/" {
		return Parsed{}, &ParseError{Input: path, Reason: "empty api base"}
	}

	return p, nil
}

// BuildURL is the inverse of Parse.
func BuildURL(parts URLParts) string {
	prefix := parts.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}

	segments := []string{prefix, parts.APIVersion}
	if parts.Namespace != "" {
		segments = append(segments, "namespaces", parts.Namespace)
	}
	segments = append(segments, parts.Resource, parts.Name)

	return joinNonEmpty("/", segments...)
}

// splitAt splits items around the first occurrence of sep.
func splitAt(items []string, sep string) (left, right []string, found bool) {
	for i, item := range items {
		if item == sep {
			return items[:i], items[i+1:], true
		}
	}
	return items, nil, false
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, sep)
}
