package object

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/uri"
)

func newMockHandler(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })

	ns := registry.NewNamespaceRegistry()
	ns.Register(&registry.NamespaceDescriptor{
		Name: "ns",
		Objects: map[string]*registry.ObjectDescriptor{
			"widget": {
				Name:       "widget",
				KeyColumns: []string{"id"},
				Columns: []registry.Column{
					{Name: "id", PKey: true},
					{Name: "name"},
				},
			},
		},
	})

	db := sqlx.NewDb(mockDB, "postgres")
	return New(db, ns), mock
}

func TestMockFindOneScansSingleRow(t *testing.T) {
	h, mock := newMockHandler(t)
	u, _ := uri.Parse("object://ns/widget#find_one")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "name" FROM "widget" WHERE "id" = $1 AND TRUE LIMIT 1`)).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("w1", "gizmo"))

	got, err := h.InvokeOne(context.Background(), invocation.New(), u, []any{map[string]any{"id": "w1"}})
	if err != nil {
		t.Fatalf("InvokeOne() error = %v", err)
	}
	rec := got.(map[string]any)
	if rec["name"] != "gizmo" {
		t.Errorf("InvokeOne() = %v, want name=gizmo", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMockFindManyScansAllRows(t *testing.T) {
	h, mock := newMockHandler(t)
	u, _ := uri.Parse("object://ns/widget#find_many")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "name" FROM "widget" WHERE TRUE`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow("w1", "gizmo").
			AddRow("w2", "gadget"))

	got, err := h.InvokeMany(context.Background(), invocation.New(), u, nil)
	if err != nil {
		t.Fatalf("InvokeMany() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("InvokeMany() = %v, want 2 records", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMockFindOneHonoursContextPermission(t *testing.T) {
	h, mock := newMockHandler(t)
	u, _ := uri.Parse("object://ns/widget#find_one")

	ic := invocation.New()
	ic.Insert("data_permission_sql", "tenant_id = 'acme'")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "name" FROM "widget" WHERE tenant_id = 'acme' LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("w1", "gizmo"))

	if _, err := h.InvokeOne(context.Background(), ic, u, nil); err != nil {
		t.Fatalf("InvokeOne() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestMockInsertCommitsOpenTransaction uses a single-column record: insert
// builds its column/placeholder lists by ranging over a map[string]any,
// whose iteration order Go leaves unspecified, so only a one-field record
// yields deterministic SQL to assert against.
func TestMockInsertCommitsOpenTransaction(t *testing.T) {
	h, mock := newMockHandler(t)
	u, _ := uri.Parse("object://ns/widget#insert")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "widget" ("id") VALUES ($1) RETURNING "id", "name"`)).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("w1", nil))
	mock.ExpectCommit()

	ic := invocation.New()
	if _, err := h.InvokeOne(context.Background(), ic, u, []any{map[string]any{"id": "w1"}}); err != nil {
		t.Fatalf("InvokeOne() error = %v", err)
	}
	if err := ic.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMockInsertRollsBackOnFailedContext(t *testing.T) {
	h, mock := newMockHandler(t)
	u, _ := uri.Parse("object://ns/widget#insert")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "widget" ("id") VALUES ($1) RETURNING "id", "name"`)).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("w1", nil))
	mock.ExpectRollback()

	ic := invocation.New()
	if _, err := h.InvokeOne(context.Background(), ic, u, []any{map[string]any{"id": "w1"}}); err != nil {
		t.Fatalf("InvokeOne() error = %v", err)
	}
	ic.SetFailed()
	if err := ic.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
