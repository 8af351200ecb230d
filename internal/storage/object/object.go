// Package object implements the "object" protocol handler: generic CRUD over
// declared object descriptors against PostgreSQL, adapted from the teacher's
// hand-written per-domain postgres.Store into a single descriptor-driven
// handler (spec §4.12).
package object

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dataspan/gateway/internal/gwerrors"
	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/uri"
)

// defaultDataPermissionSQL is the row-level predicate permissionSQL returns
// when the invocation context carries no non-empty data_permission_sql value:
// a tautology, so no rows are filtered.
const defaultDataPermissionSQL = "TRUE"

// Handler serves the "object" scheme: find_one/find_many/find_page plus
// insert/update/upsert/delete/delete_by/update_by, all driven by the
// namespace registry's ObjectDescriptor metadata.
type Handler struct {
	db         *sqlx.DB
	namespaces *registry.NamespaceRegistry
}

var _ registry.Invocation = (*Handler)(nil)

// New returns a Handler backed by db and resolving descriptors from ns.
func New(db *sqlx.DB, ns *registry.NamespaceRegistry) *Handler {
	return &Handler{db: db, namespaces: ns}
}

func (h *Handler) descriptor(u *uri.URI) (*registry.ObjectDescriptor, error) {
	obj, ok := h.namespaces.GetObject(u.Namespace, u.Object)
	if !ok {
		return nil, &registry.ErrNotImplemented{Scheme: "object"}
	}
	return obj, nil
}

// executor returns the *sqlx.Tx bound to u.Namespace in ic if one is already
// open (set by an earlier write in the same invocation), or the shared pool
// handle otherwise. Only write methods open a transaction.
func (h *Handler) executor(ic *invocation.Context, ns string, write bool) (sqlx.ExtContext, error) {
	if tx, ok := ic.GetTransaction(ns); ok {
		sqlxTx, ok := tx.(*sqlx.Tx)
		if !ok {
			return nil, fmt.Errorf("object: transaction bound to namespace %q is not a sqlx.Tx", ns)
		}
		return sqlxTx, nil
	}
	if !write {
		return h.db, nil
	}
	tx, err := h.db.BeginTxx(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("object: begin transaction: %w", err)
	}
	ic.SetTransaction(ns, tx)
	return tx, nil
}

func permissionSQL(ic *invocation.Context) string {
	if v, ok := ic.Get("data_permission_sql"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return defaultDataPermissionSQL
}

func columnNames(obj *registry.ObjectDescriptor) []string {
	names := make([]string, len(obj.Columns))
	for i, c := range obj.Columns {
		names[i] = c.Name
	}
	return names
}

func keyColumns(obj *registry.ObjectDescriptor) []string {
	if len(obj.KeyColumns) > 0 {
		return obj.KeyColumns
	}
	var keys []string
	for _, c := range obj.Columns {
		if c.PKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// argsAsRecord interprets the first element of args as a column->value map,
// the shape every write method expects.
func argsAsRecord(args []any) (map[string]any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("object: expected a record argument")
	}
	rec, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("object: expected args[0] to be a record (map[string]any), got %T", args[0])
	}
	return rec, nil
}

// argsAsFilter interprets args[0] as a column->value equality filter, or
// treats no/empty args as "match everything".
func argsAsFilter(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	filter, _ := args[0].(map[string]any)
	return filter
}

func buildWhere(filter map[string]any, startIdx int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	var clauses []string
	var vals []any
	for i, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), startIdx+i))
		vals = append(vals, filter[k])
	}
	return " WHERE " + strings.Join(clauses, " AND "), vals
}

func scanRows(rows *sqlx.Rows) ([]any, error) {
	defer rows.Close()
	var out []any
	for rows.Next() {
		rec := map[string]any{}
		if err := rows.MapScan(rec); err != nil {
			return nil, err
		}
		out = append(out, normalizeRecord(rec))
	}
	return out, rows.Err()
}

// normalizeRecord decodes []byte JSONB columns into plain values so callers
// downstream of the gateway (hooks, HTTP responses) see native JSON shapes.
func normalizeRecord(rec map[string]any) map[string]any {
	for k, v := range rec {
		b, ok := v.([]byte)
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err == nil {
			rec[k] = decoded
		} else {
			rec[k] = string(b)
		}
	}
	return rec
}

// InvokeOne serves find_one, insert, update, upsert, and delete.
func (h *Handler) InvokeOne(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (any, error) {
	obj, err := h.descriptor(u)
	if err != nil {
		return nil, err
	}

	switch u.Method {
	case "find_one", "":
		return h.findOne(ctx, ic, u, obj, args)
	case "insert":
		return h.insert(ctx, ic, u, obj, args)
	case "update":
		return h.update(ctx, ic, u, obj, args)
	case "upsert":
		return h.upsert(ctx, ic, u, obj, args)
	case "delete":
		return h.delete(ctx, ic, u, obj, args)
	default:
		return nil, &registry.ErrNotImplemented{Scheme: fmt.Sprintf("object#%s", u.Method)}
	}
}

// InvokeMany serves find_many, delete_by, and update_by.
func (h *Handler) InvokeMany(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) ([]any, error) {
	obj, err := h.descriptor(u)
	if err != nil {
		return nil, err
	}

	switch u.Method {
	case "find_many", "":
		return h.findMany(ctx, ic, u, obj, args)
	case "delete_by":
		return h.deleteBy(ctx, ic, u, obj, args)
	case "update_by":
		return h.updateBy(ctx, ic, u, obj, args)
	default:
		return nil, &registry.ErrNotImplemented{Scheme: fmt.Sprintf("object#%s", u.Method)}
	}
}

// InvokePage serves find_page.
func (h *Handler) InvokePage(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (*registry.Page, error) {
	obj, err := h.descriptor(u)
	if err != nil {
		return nil, err
	}
	if u.Method != "find_page" && u.Method != "" {
		return nil, &registry.ErrNotImplemented{Scheme: fmt.Sprintf("object#%s", u.Method)}
	}

	filter := argsAsFilter(args)
	var pageNo, pageSize uint64 = 1, 20
	if len(args) > 1 {
		if m, ok := args[1].(map[string]any); ok {
			pageNo, pageSize = pageArgs(m)
		}
	}

	exec, err := h.executor(ic, u.Namespace, false)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}

	table := pq.QuoteIdentifier(u.Object)
	where, vals := buildWhere(filter, 1)
	perm := permissionSQL(ic)
	if where == "" {
		where = fmt.Sprintf(" WHERE %s", perm)
	} else {
		where += fmt.Sprintf(" AND %s", perm)
	}

	var total uint64
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table, where)
	if err := sqlx.GetContext(ctx, exec, &total, rebind(exec, countSQL), vals...); err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}

	offset := (pageNo - 1) * pageSize
	listSQL := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT $%d OFFSET $%d",
		strings.Join(quoteAll(columnNames(obj)), ", "), table, where,
		pq.QuoteIdentifier(firstKeyOrAny(obj)), len(vals)+1, len(vals)+2)
	rows, err := exec.QueryxContext(ctx, rebind(exec, listSQL), append(append([]any{}, vals...), pageSize, offset)...)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	records, err := scanRows(rows)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}

	return &registry.Page{Total: total, PageNo: pageNo, PageSize: pageSize, Records: records}, nil
}

func pageArgs(m map[string]any) (pageNo, pageSize uint64) {
	pageNo, pageSize = 1, 20
	if v, ok := m["page_no"]; ok {
		pageNo = toUint64(v)
	}
	if v, ok := m["page_size"]; ok {
		pageSize = toUint64(v)
	}
	if pageNo == 0 {
		pageNo = 1
	}
	if pageSize == 0 {
		pageSize = 20
	}
	return
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case int:
		return uint64(n)
	case int64:
		return uint64(n)
	case float64:
		return uint64(n)
	case uint64:
		return n
	default:
		return 0
	}
}

func firstKeyOrAny(obj *registry.ObjectDescriptor) string {
	if keys := keyColumns(obj); len(keys) > 0 {
		return keys[0]
	}
	if len(obj.Columns) > 0 {
		return obj.Columns[0].Name
	}
	return "1"
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pq.QuoteIdentifier(n)
	}
	return out
}

// rebind is a no-op pass-through: every query above is already built with
// Postgres-native $N placeholders.
func rebind(_ sqlx.ExtContext, query string) string {
	return query
}

func (h *Handler) findOne(ctx context.Context, ic *invocation.Context, u *uri.URI, obj *registry.ObjectDescriptor, args []any) (any, error) {
	filter := argsAsFilter(args)
	exec, err := h.executor(ic, u.Namespace, false)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}

	where, vals := buildWhere(filter, 1)
	perm := permissionSQL(ic)
	if where == "" {
		where = fmt.Sprintf(" WHERE %s", perm)
	} else {
		where += fmt.Sprintf(" AND %s", perm)
	}

	q := fmt.Sprintf("SELECT %s FROM %s%s LIMIT 1",
		strings.Join(quoteAll(columnNames(obj)), ", "), pq.QuoteIdentifier(u.Object), where)
	rows, err := exec.QueryxContext(ctx, rebind(exec, q), vals...)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	rec := map[string]any{}
	if err := rows.MapScan(rec); err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	return normalizeRecord(rec), nil
}

func (h *Handler) findMany(ctx context.Context, ic *invocation.Context, u *uri.URI, obj *registry.ObjectDescriptor, args []any) ([]any, error) {
	filter := argsAsFilter(args)
	exec, err := h.executor(ic, u.Namespace, false)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}

	where, vals := buildWhere(filter, 1)
	perm := permissionSQL(ic)
	if where == "" {
		where = fmt.Sprintf(" WHERE %s", perm)
	} else {
		where += fmt.Sprintf(" AND %s", perm)
	}

	q := fmt.Sprintf("SELECT %s FROM %s%s",
		strings.Join(quoteAll(columnNames(obj)), ", "), pq.QuoteIdentifier(u.Object), where)
	rows, err := exec.QueryxContext(ctx, rebind(exec, q), vals...)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	return scanRows(rows)
}

func (h *Handler) insert(ctx context.Context, ic *invocation.Context, u *uri.URI, obj *registry.ObjectDescriptor, args []any) (any, error) {
	rec, err := argsAsRecord(args)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	exec, err := h.executor(ic, u.Namespace, true)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}

	cols := make([]string, 0, len(rec))
	placeholders := make([]string, 0, len(rec))
	vals := make([]any, 0, len(rec))
	i := 1
	for k, v := range rec {
		cols = append(cols, pq.QuoteIdentifier(k))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		vals = append(vals, v)
		i++
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		pq.QuoteIdentifier(u.Object), strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(quoteAll(columnNames(obj)), ", "))
	rows, err := exec.QueryxContext(ctx, rebind(exec, q), vals...)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return rec, nil
	}
	out := map[string]any{}
	if err := rows.MapScan(out); err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	return normalizeRecord(out), nil
}

func (h *Handler) update(ctx context.Context, ic *invocation.Context, u *uri.URI, obj *registry.ObjectDescriptor, args []any) (any, error) {
	rec, err := argsAsRecord(args)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	keys := keyColumns(obj)
	if len(keys) == 0 {
		return nil, gwerrors.HandlerError("object", fmt.Errorf("object %q declares no key columns", u.Object))
	}

	filter := map[string]any{}
	sets := map[string]any{}
	for k, v := range rec {
		if containsStr(keys, k) {
			filter[k] = v
		} else {
			sets[k] = v
		}
	}
	if len(sets) == 0 {
		return rec, nil
	}

	exec, err := h.executor(ic, u.Namespace, true)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}

	setKeys := make([]string, 0, len(sets))
	for k := range sets {
		setKeys = append(setKeys, k)
	}
	setClauses := make([]string, len(setKeys))
	vals := make([]any, 0, len(setKeys)+len(filter))
	for i, k := range setKeys {
		setClauses[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), i+1)
		vals = append(vals, sets[k])
	}
	where, filterVals := buildWhere(filter, len(vals)+1)
	vals = append(vals, filterVals...)

	q := fmt.Sprintf("UPDATE %s SET %s%s", pq.QuoteIdentifier(u.Object), strings.Join(setClauses, ", "), where)
	if _, err := exec.ExecContext(ctx, rebind(exec, q), vals...); err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	return rec, nil
}

func (h *Handler) upsert(ctx context.Context, ic *invocation.Context, u *uri.URI, obj *registry.ObjectDescriptor, args []any) (any, error) {
	rec, err := argsAsRecord(args)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	keys := keyColumns(obj)
	if len(keys) == 0 {
		return h.insert(ctx, ic, u, obj, args)
	}

	exec, err := h.executor(ic, u.Namespace, true)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}

	cols := make([]string, 0, len(rec))
	placeholders := make([]string, 0, len(rec))
	vals := make([]any, 0, len(rec))
	i := 1
	for k, v := range rec {
		cols = append(cols, pq.QuoteIdentifier(k))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		vals = append(vals, v)
		i++
	}

	var updateClauses []string
	for _, c := range cols {
		updateClauses = append(updateClauses, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING %s",
		pq.QuoteIdentifier(u.Object), strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(quoteAll(keys), ", "), strings.Join(updateClauses, ", "),
		strings.Join(quoteAll(columnNames(obj)), ", "))
	rows, err := exec.QueryxContext(ctx, rebind(exec, q), vals...)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return rec, nil
	}
	out := map[string]any{}
	if err := rows.MapScan(out); err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	return normalizeRecord(out), nil
}

func (h *Handler) delete(ctx context.Context, ic *invocation.Context, u *uri.URI, obj *registry.ObjectDescriptor, args []any) (any, error) {
	filter := argsAsFilter(args)
	if len(filter) == 0 {
		return nil, gwerrors.HandlerError("object", fmt.Errorf("delete requires a filter argument"))
	}
	exec, err := h.executor(ic, u.Namespace, true)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	where, vals := buildWhere(filter, 1)
	q := fmt.Sprintf("DELETE FROM %s%s", pq.QuoteIdentifier(u.Object), where)
	res, err := exec.ExecContext(ctx, rebind(exec, q), vals...)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (h *Handler) deleteBy(ctx context.Context, ic *invocation.Context, u *uri.URI, obj *registry.ObjectDescriptor, args []any) ([]any, error) {
	_, err := h.delete(ctx, ic, u, obj, args)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) updateBy(ctx context.Context, ic *invocation.Context, u *uri.URI, obj *registry.ObjectDescriptor, args []any) ([]any, error) {
	if len(args) < 2 {
		return nil, gwerrors.HandlerError("object", fmt.Errorf("update_by requires (filter, values) arguments"))
	}
	filter, ok := args[0].(map[string]any)
	if !ok {
		return nil, gwerrors.HandlerError("object", fmt.Errorf("update_by: args[0] must be a filter map"))
	}
	sets, ok := args[1].(map[string]any)
	if !ok {
		return nil, gwerrors.HandlerError("object", fmt.Errorf("update_by: args[1] must be a values map"))
	}

	exec, err := h.executor(ic, u.Namespace, true)
	if err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}

	setKeys := make([]string, 0, len(sets))
	for k := range sets {
		setKeys = append(setKeys, k)
	}
	setClauses := make([]string, len(setKeys))
	vals := make([]any, 0, len(setKeys)+len(filter))
	for i, k := range setKeys {
		setClauses[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), i+1)
		vals = append(vals, sets[k])
	}
	where, filterVals := buildWhere(filter, len(vals)+1)
	vals = append(vals, filterVals...)

	q := fmt.Sprintf("UPDATE %s SET %s%s", pq.QuoteIdentifier(u.Object), strings.Join(setClauses, ", "), where)
	if _, err := exec.ExecContext(ctx, rebind(exec, q), vals...); err != nil {
		return nil, gwerrors.HandlerError("object", err)
	}
	return nil, nil
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
