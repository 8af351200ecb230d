package query

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
		Queries: map[string]*registry.QueryDescriptor{
			"widgets_over_price": {
				Name:     "widgets_over_price",
				SQL:      "SELECT id, name FROM widget WHERE price_cents > #{min_price} ${DATA_PERMISSION_SQL} ORDER BY price_cents DESC",
				CountSQL: "SELECT count(*) FROM widget WHERE price_cents > #{min_price} ${DATA_PERMISSION_SQL}",
			},
		},
	})

	db := sqlx.NewDb(mockDB, "postgres")
	return New(db, ns), mock
}

func TestMockInvokeManySubstitutesParamsAndPermission(t *testing.T) {
	h, mock := newMockHandler(t)
	u, _ := uri.Parse("query://ns/widgets_over_price#query")

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT id, name FROM widget WHERE price_cents > $1 TRUE ORDER BY price_cents DESC`)).
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("w1", "gizmo"))

	got, err := h.InvokeMany(context.Background(), invocation.New(), u, []any{map[string]any{"min_price": int64(500)}})
	if err != nil {
		t.Fatalf("InvokeMany() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("InvokeMany() = %v, want 1 row", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMockInvokePageRunsCountThenPagedQuery(t *testing.T) {
	h, mock := newMockHandler(t)
	u, _ := uri.Parse("query://ns/widgets_over_price#query")

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT count(*) FROM widget WHERE price_cents > $1 TRUE`)).
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT id, name FROM widget WHERE price_cents > $1 TRUE ORDER BY price_cents DESC LIMIT $2 OFFSET $3`)).
		WithArgs(int64(500), int64(20), int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow("w1", "gizmo").
			AddRow("w2", "gadget"))

	page, err := h.InvokePage(context.Background(), invocation.New(), u, []any{map[string]any{"min_price": int64(500)}})
	if err != nil {
		t.Fatalf("InvokePage() error = %v", err)
	}
	if page.Total != 2 || len(page.Records) != 2 {
		t.Fatalf("InvokePage() = %+v, want total=2, 2 records", page)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMockInvokeDirectQueryBypassesDescriptor(t *testing.T) {
	h, mock := newMockHandler(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 WHERE TRUE`)).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))

	got, err := h.InvokeDirectQuery(context.Background(), invocation.New(), "ns", "SELECT 1 WHERE ${DATA_PERMISSION_SQL}", nil)
	if err != nil {
		t.Fatalf("InvokeDirectQuery() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("InvokeDirectQuery() = %v, want 1 row", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
