package uri

import "testing"

func TestParseRoundTrip(t *testing.T) {
	in := "object://myns/User?x=1#insert"
	u, err := Parse(in)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if u.Scheme != "object" {
		t.Errorf("Scheme = %q, want object", u.Scheme)
	}
	if u.Namespace != "myns" {
		t.Errorf("Namespace = %q, want myns", u.Namespace)
	}
	if u.Object != "User" {
		t.Errorf("Object = %q, want User", u.Object)
	}
	if u.Query != "x=1" {
		t.Errorf("Query = %q, want x=1", u.Query)
	}
	if u.Method != "insert" {
		t.Errorf("Method = %q, want insert", u.Method)
	}
	if !u.IsWriteMethod() {
		t.Errorf("IsWriteMethod() = false, want true")
	}
	if got := u.String(); got != in {
		t.Errorf("String() = %q, want %q", got, in)
	}
}

func TestParseDefaultMethod(t *testing.T) {
	u, err := Parse("object://ns/Thing")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if u.Method != DefaultMethod {
		t.Errorf("Method = %q, want %q", u.Method, DefaultMethod)
	}
	if u.IsWriteMethod() {
		t.Errorf("IsWriteMethod() = true, want false for find_one")
	}
}

func TestParseRejectsMissingScheme(t *testing.T) {
	if _, err := Parse("//ns/obj#find_one"); err == nil {
		t.Errorf("Parse() error = nil, want error for missing scheme")
	}
}

func TestParseRejectsMissingNamespace(t *testing.T) {
	if _, err := Parse("object:///obj#find_one"); err == nil {
		t.Errorf("Parse() error = nil, want error for missing namespace")
	}
}

func TestURLNoMethod(t *testing.T) {
	u, err := Parse("redis://cache/sessions?k=1#get")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got, want := u.URLNoMethod(), "redis://cache/sessions"; got != want {
		t.Errorf("URLNoMethod() = %q, want %q", got, want)
	}
}

func TestWriteMethods(t *testing.T) {
	cases := map[string]bool{
		"find_one":  false,
		"query":     false,
		"insert":    true,
		"update":    true,
		"upsert":    true,
		"delete":    true,
		"delete_by": true,
		"update_by": true,
	}
	for method, want := range cases {
		u := &URI{Scheme: "object", Namespace: "ns", Object: "T", Method: method}
		if got := u.IsWriteMethod(); got != want {
			t.Errorf("IsWriteMethod(%q) = %v, want %v", method, got, want)
		}
	}
}

func TestRewriteLastPathParam(t *testing.T) {
	u := &URI{Scheme: "object", Namespace: "ns", Object: "users/42", Method: "find_one"}
	u.RewriteLastPathParam("id", "42")
	if got, want := u.Object, "users/:id"; got != want {
		t.Errorf("Object = %q, want %q", got, want)
	}
}

func TestRewriteLastPathParamNoSuffixMatch(t *testing.T) {
	u := &URI{Scheme: "object", Namespace: "ns", Object: "users/42", Method: "find_one"}
	u.RewriteLastPathParam("id", "99")
	if got, want := u.Object, "users/42"; got != want {
		t.Errorf("Object = %q, want %q (unchanged)", got, want)
	}
}
