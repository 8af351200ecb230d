package object

import (
	"context"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/uri"
)

func TestColumnNamesAndKeyColumns(t *testing.T) {
	obj := &registry.ObjectDescriptor{
		Columns: []registry.Column{
			{Name: "id", PKey: true},
			{Name: "name"},
		},
	}
	if got := columnNames(obj); len(got) != 2 {
		t.Fatalf("columnNames() = %v, want 2 entries", got)
	}
	if got := keyColumns(obj); len(got) != 1 || got[0] != "id" {
		t.Fatalf("keyColumns() = %v, want [id]", got)
	}
}

func TestKeyColumnsPrefersExplicitList(t *testing.T) {
	obj := &registry.ObjectDescriptor{
		Columns:    []registry.Column{{Name: "id", PKey: true}, {Name: "tenant", PKey: true}},
		KeyColumns: []string{"tenant"},
	}
	got := keyColumns(obj)
	if len(got) != 1 || got[0] != "tenant" {
		t.Fatalf("keyColumns() = %v, want [tenant] (explicit list wins)", got)
	}
}

func TestBuildWhereEmptyFilter(t *testing.T) {
	where, vals := buildWhere(nil, 1)
	if where != "" || vals != nil {
		t.Errorf("buildWhere(nil) = (%q, %v), want empty", where, vals)
	}
}

func TestBuildWhereSingleColumn(t *testing.T) {
	where, vals := buildWhere(map[string]any{"id": "42"}, 1)
	if where != ` WHERE "id" = $1` {
		t.Errorf("buildWhere() = %q, want WHERE id = $1", where)
	}
	if len(vals) != 1 || vals[0] != "42" {
		t.Errorf("buildWhere() vals = %v, want [42]", vals)
	}
}

func TestArgsAsRecordRejectsWrongShape(t *testing.T) {
	if _, err := argsAsRecord(nil); err == nil {
		t.Errorf("argsAsRecord(nil) should error")
	}
	if _, err := argsAsRecord([]any{"not-a-map"}); err == nil {
		t.Errorf("argsAsRecord([non-map]) should error")
	}
	rec, err := argsAsRecord([]any{map[string]any{"a": 1}})
	if err != nil || rec["a"] != 1 {
		t.Errorf("argsAsRecord() = (%v, %v), want {a:1}", rec, err)
	}
}

func TestPageArgsDefaults(t *testing.T) {
	pageNo, pageSize := pageArgs(map[string]any{})
	if pageNo != 1 || pageSize != 20 {
		t.Errorf("pageArgs({}) = (%d, %d), want (1, 20)", pageNo, pageSize)
	}
	pageNo, pageSize = pageArgs(map[string]any{"page_no": float64(3), "page_size": float64(50)})
	if pageNo != 3 || pageSize != 50 {
		t.Errorf("pageArgs() = (%d, %d), want (3, 50)", pageNo, pageSize)
	}
}

func TestDescriptorNotImplementedWithoutNamespace(t *testing.T) {
	h := New(nil, registry.NewNamespaceRegistry())
	u, _ := uri.Parse("object://ns/missing#find_one")
	if _, err := h.descriptor(u); err == nil {
		t.Errorf("descriptor() should fail for an unregistered object")
	}
}

// TestHandlerIntegration exercises the full CRUD surface against a real
// Postgres instance when TEST_POSTGRES_DSN is set; it is skipped otherwise.
func TestHandlerIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS widgets (id TEXT PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { _, _ = db.Exec(`DROP TABLE widgets`) })

	ns := registry.NewNamespaceRegistry()
	ns.Register(&registry.NamespaceDescriptor{
		Name: "ns",
		Objects: map[string]*registry.ObjectDescriptor{
			"widgets": {
				Name:       "widgets",
				KeyColumns: []string{"id"},
				Columns: []registry.Column{
					{Name: "id", PKey: true},
					{Name: "name"},
				},
			},
		},
	})

	h := New(db, ns)
	ic := invocation.New()
	u, _ := uri.Parse("object://ns/widgets#insert")

	if _, err := h.InvokeOne(context.Background(), ic, u, []any{map[string]any{"id": "w1", "name": "gizmo"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	findURI, _ := uri.Parse("object://ns/widgets#find_one")
	got, err := h.InvokeOne(context.Background(), ic, findURI, []any{map[string]any{"id": "w1"}})
	if err != nil {
		t.Fatalf("find_one: %v", err)
	}
	rec := got.(map[string]any)
	if rec["name"] != "gizmo" {
		t.Errorf("find_one name = %v, want gizmo", rec["name"])
	}
}
