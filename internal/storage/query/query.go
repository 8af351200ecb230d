// Package query implements the "query" protocol handler: declared
// QueryDescriptor SQL bodies with #{param} placeholder substitution, and the
// ad-hoc direct-query shortcut (spec §4.3/§4.12).
package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/dataspan/gateway/internal/gwerrors"
	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/uri"
)

var paramPattern = regexp.MustCompile(`#\{(\w+)\}`)

const dataPermissionToken = "${DATA_PERMISSION_SQL}"

// Handler serves the "query" scheme against declared QueryDescriptors, and
// implements registry.DirectQueryInvocation for ad-hoc SQL bypassing
// descriptor declaration entirely.
type Handler struct {
	db         *sqlx.DB
	namespaces *registry.NamespaceRegistry
}

var (
	_ registry.Invocation            = (*Handler)(nil)
	_ registry.DirectQueryInvocation = (*Handler)(nil)
)

// New returns a Handler backed by db, resolving QueryDescriptors from ns.
func New(db *sqlx.DB, ns *registry.NamespaceRegistry) *Handler {
	return &Handler{db: db, namespaces: ns}
}

func (h *Handler) descriptor(u *uri.URI) (*registry.QueryDescriptor, error) {
	q, ok := h.namespaces.GetQuery(u.Namespace, u.Object)
	if !ok {
		return nil, &registry.ErrNotImplemented{Scheme: "query"}
	}
	return q, nil
}

func permissionSQL(ic *invocation.Context) string {
	if v, ok := ic.Get("data_permission_sql"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "TRUE"
}

// substitute replaces every #{name} placeholder in sql with the
// corresponding value from params (rewritten to a $N bindvar, in first-seen
// order) and the ${DATA_PERMISSION_SQL} token with the context's row-level
// policy predicate.
func substitute(sqlBody string, params map[string]any, ic *invocation.Context) (string, []any) {
	sqlBody = strings.ReplaceAll(sqlBody, dataPermissionToken, permissionSQL(ic))

	var vals []any
	seen := map[string]int{}
	out := paramPattern.ReplaceAllStringFunc(sqlBody, func(match string) string {
		name := paramPattern.FindStringSubmatch(match)[1]
		if idx, ok := seen[name]; ok {
			return fmt.Sprintf("$%d", idx)
		}
		vals = append(vals, params[name])
		idx := len(vals)
		seen[name] = idx
		return fmt.Sprintf("$%d", idx)
	})
	return out, vals
}

func argsAsParams(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m, _ := args[0].(map[string]any)
	return m
}

func scanRows(rows *sqlx.Rows) ([]any, error) {
	defer rows.Close()
	var out []any
	for rows.Next() {
		rec := map[string]any{}
		if err := rows.MapScan(rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InvokeOne runs the descriptor's SQL and returns the first row.
func (h *Handler) InvokeOne(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (any, error) {
	rows, err := h.InvokeMany(ctx, ic, u, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// InvokeMany runs the descriptor's SQL and returns every row.
func (h *Handler) InvokeMany(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) ([]any, error) {
	desc, err := h.descriptor(u)
	if err != nil {
		return nil, err
	}
	sqlText, vals := substitute(desc.SQL, argsAsParams(args), ic)
	rows, err := h.db.QueryxContext(ctx, sqlText, vals...)
	if err != nil {
		return nil, gwerrors.HandlerError("query", err)
	}
	return scanRows(rows)
}

// InvokePage runs the descriptor's CountSQL (if declared) plus its SQL with
// LIMIT/OFFSET appended, returning a paginated result.
func (h *Handler) InvokePage(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (*registry.Page, error) {
	desc, err := h.descriptor(u)
	if err != nil {
		return nil, err
	}
	params := argsAsParams(args)

	var pageNo, pageSize uint64 = 1, 20
	if len(args) > 1 {
		if m, ok := args[1].(map[string]any); ok {
			if v, ok := m["page_no"].(float64); ok && v > 0 {
				pageNo = uint64(v)
			}
			if v, ok := m["page_size"].(float64); ok && v > 0 {
				pageSize = uint64(v)
			}
		}
	}

	var total uint64
	if desc.CountSQL != "" {
		countSQL, countVals := substitute(desc.CountSQL, params, ic)
		if err := sqlx.GetContext(ctx, h.db, &total, countSQL, countVals...); err != nil {
			return nil, gwerrors.HandlerError("query", err)
		}
	}

	sqlText, vals := substitute(desc.SQL, params, ic)
	offset := (pageNo - 1) * pageSize
	pagedSQL := fmt.Sprintf("%s LIMIT $%d OFFSET $%d", sqlText, len(vals)+1, len(vals)+2)
	rows, err := h.db.QueryxContext(ctx, pagedSQL, append(append([]any{}, vals...), pageSize, offset)...)
	if err != nil {
		return nil, gwerrors.HandlerError("query", err)
	}
	records, err := scanRows(rows)
	if err != nil {
		return nil, gwerrors.HandlerError("query", err)
	}
	if desc.CountSQL == "" {
		total = uint64(len(records))
	}

	return &registry.Page{Total: total, PageNo: pageNo, PageSize: pageSize, Records: records}, nil
}

// InvokeDirectQuery executes an ad-hoc SQL string bypassing descriptor
// declaration entirely (spec §4.3's invoke_direct_query shortcut). args[0],
// if present, is used as the #{param} substitution map.
func (h *Handler) InvokeDirectQuery(ctx context.Context, ic *invocation.Context, namespace, sqlBody string, args []any) ([]any, error) {
	sqlText, vals := substitute(sqlBody, argsAsParams(args), ic)
	rows, err := h.db.QueryxContext(ctx, sqlText, vals...)
	if err != nil {
		return nil, gwerrors.HandlerError("query", err)
	}
	return scanRows(rows)
}
