// Package restapi implements the "restapi" protocol handler: proxies an
// invocation to a configured upstream HTTP endpoint per namespace/object,
// decoding JSON responses with gjson when the declared field map doesn't
// cover the full body (spec §4.12), grounded on the teacher's gjson-based
// price-source fetchers.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dataspan/gateway/internal/gwerrors"
	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/uri"
)

// Endpoint declares how one namespace/object pair maps onto an upstream
// HTTP resource.
type Endpoint struct {
	BaseURL  string // e.g. "https://api.example.com"
	Path     string // may contain {object} and {method}
	Headers  map[string]string
	FieldMap map[string]string // result field -> gjson path, applied when set
	Timeout  time.Duration
}

// Handler serves the "restapi" scheme by proxying to endpoints registered
// per namespace/object key.
type Handler struct {
	client    *http.Client
	endpoints map[string]Endpoint
}

var _ registry.Invocation = (*Handler)(nil)

// New returns an empty Handler; endpoints are added via Register.
func New() *Handler {
	return &Handler{
		client:    &http.Client{Timeout: 15 * time.Second},
		endpoints: make(map[string]Endpoint),
	}
}

// Register binds an Endpoint to the "namespace/object" key InvokeOne/Many/Page
// look up at call time.
func (h *Handler) Register(namespace, object string, ep Endpoint) {
	h.endpoints[namespace+"/"+object] = ep
}

func (h *Handler) endpoint(u *uri.URI) (Endpoint, error) {
	ep, ok := h.endpoints[u.Namespace+"/"+u.Object]
	if !ok {
		return Endpoint{}, &registry.ErrNotImplemented{Scheme: "restapi"}
	}
	return ep, nil
}

func (h *Handler) do(ctx context.Context, ep Endpoint, u *uri.URI, body any) ([]byte, error) {
	path := ep.Path
	path = strings.ReplaceAll(path, "{object}", u.Object)
	path = strings.ReplaceAll(path, "{method}", u.Method)

	var reqBody io.Reader
	httpMethod := http.MethodGet
	if u.IsWriteMethod() {
		httpMethod = http.MethodPost
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reqBody = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, ep.BaseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	client := h.client
	if ep.Timeout > 0 {
		client = &http.Client{Timeout: ep.Timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("restapi: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// decode maps a raw JSON body into a value, either directly (when the
// descriptor carries no field map) or field-by-field via gjson paths.
func decode(body []byte, fieldMap map[string]string) (any, error) {
	if len(fieldMap) == 0 {
		var out any
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	rec := make(map[string]any, len(fieldMap))
	for field, path := range fieldMap {
		result := gjson.GetBytes(body, path)
		if !result.Exists() {
			continue
		}
		rec[field] = result.Value()
	}
	return rec, nil
}

// InvokeOne proxies a single-record call.
func (h *Handler) InvokeOne(ctx context.Context, _ *invocation.Context, u *uri.URI, args []any) (any, error) {
	ep, err := h.endpoint(u)
	if err != nil {
		return nil, err
	}
	var body any
	if len(args) > 0 {
		body = args[0]
	}
	respBody, err := h.do(ctx, ep, u, body)
	if err != nil {
		return nil, gwerrors.HandlerError("restapi", err)
	}
	out, err := decode(respBody, ep.FieldMap)
	if err != nil {
		return nil, gwerrors.HandlerError("restapi", err)
	}
	return out, nil
}

// InvokeMany proxies a call whose JSON response is an array; each element is
// decoded the same way InvokeOne decodes a single object.
func (h *Handler) InvokeMany(ctx context.Context, _ *invocation.Context, u *uri.URI, args []any) ([]any, error) {
	ep, err := h.endpoint(u)
	if err != nil {
		return nil, err
	}
	var body any
	if len(args) > 0 {
		body = args[0]
	}
	respBody, err := h.do(ctx, ep, u, body)
	if err != nil {
		return nil, gwerrors.HandlerError("restapi", err)
	}

	if len(ep.FieldMap) == 0 {
		var out []any
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, gwerrors.HandlerError("restapi", err)
		}
		return out, nil
	}

	var items []any
	for _, el := range gjson.GetBytes(respBody, "@this").Array() {
		rec := make(map[string]any, len(ep.FieldMap))
		for field, path := range ep.FieldMap {
			result := el.Get(path)
			if result.Exists() {
				rec[field] = result.Value()
			}
		}
		items = append(items, rec)
	}
	return items, nil
}

// InvokePage proxies a call and interprets the response as {total, records}
// (or a declared field map's "total"/"records" paths).
func (h *Handler) InvokePage(ctx context.Context, _ *invocation.Context, u *uri.URI, args []any) (*registry.Page, error) {
	ep, err := h.endpoint(u)
	if err != nil {
		return nil, err
	}
	var body any
	if len(args) > 0 {
		body = args[0]
	}
	respBody, err := h.do(ctx, ep, u, body)
	if err != nil {
		return nil, gwerrors.HandlerError("restapi", err)
	}

	totalPath := "total"
	recordsPath := "records"
	if p, ok := ep.FieldMap["total"]; ok {
		totalPath = p
	}
	if p, ok := ep.FieldMap["records"]; ok {
		recordsPath = p
	}

	total := gjson.GetBytes(respBody, totalPath).Uint()
	var records []any
	for _, el := range gjson.GetBytes(respBody, recordsPath).Array() {
		records = append(records, el.Value())
	}

	var pageNo, pageSize uint64 = 1, uint64(len(records))
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

	return &registry.Page{Total: total, PageNo: pageNo, PageSize: pageSize, Records: records}, nil
}
