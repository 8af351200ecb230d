// Package uri implements the invocation URI model: scheme://namespace/object?query#method.
package uri

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultMethod is substituted for the fragment when a URI carries no method.
const DefaultMethod = "find_one"

// writeMethods is the set of methods that mutate backing state.
var writeMethods = map[string]bool{
	"insert":    true,
	"update":    true,
	"upsert":    true,
	"delete":    true,
	"delete_by": true,
	"update_by": true,
}

// URI is the parsed form of an invocation address.
type URI struct {
	Scheme    string
	Namespace string
	Object    string
	Method    string
	Query     string
	hasQuery  bool
}

// Parse parses an invocation URI of the form scheme://namespace/object?query#method.
// The method defaults to DefaultMethod when absent. Scheme and namespace are
// required; a missing one is reported as an error.
func Parse(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse invocation uri %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("parse invocation uri %q: missing scheme", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse invocation uri %q: missing namespace (authority)", raw)
	}

	method := u.Fragment
	if method == "" {
		method = DefaultMethod
	}

	object := strings.TrimPrefix(u.Path, "/")

	return &URI{
		Scheme:    u.Scheme,
		Namespace: u.Host,
		Object:    object,
		Method:    method,
		Query:     u.RawQuery,
		hasQuery:  u.RawQuery != "" || strings.Contains(raw, "?"),
	}, nil
}

// String reformats the URI as scheme://namespace/object[?query]#method. The
// method is always written, so an input parsed without a fragment comes back
// with #find_one appended.
func (u *URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Namespace)
	b.WriteByte('/')
	b.WriteString(u.Object)
	if u.hasQuery {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	b.WriteByte('#')
	b.WriteString(u.Method)
	return b.String()
}

// URLNoMethod returns the scheme://namespace/object form used as a plugin
// binding key (the method/fragment is omitted).
func (u *URI) URLNoMethod() string {
	return fmt.Sprintf("%s://%s/%s", u.Scheme, u.Namespace, u.Object)
}

// IsWriteMethod reports whether the method mutates backing state.
func (u *URI) IsWriteMethod() bool {
	return writeMethods[u.Method]
}

// Clone returns a deep copy of u.
func (u *URI) Clone() *URI {
	c := *u
	return &c
}

// RewriteLastPathParam collapses a trailing path segment that duplicates a
// captured HTTP route parameter value into ":paramName", so that templated
// routes (e.g. /users/42 and /users/7) collapse onto one aggregate key
// (e.g. object://ns/users/:id). paramName/paramValue come from the transport's
// route matcher; this is a no-op when paramValue is empty or not a trailing
// suffix of Object.
func (u *URI) RewriteLastPathParam(paramName, paramValue string) {
	if paramValue == "" || paramName == "" {
		return
	}
	if !strings.HasSuffix(u.Object, paramValue) {
		return
	}
	prefix := u.Object[:len(u.Object)-len(paramValue)]
	u.Object = prefix + ":" + paramName
}
