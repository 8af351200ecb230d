// Package cache implements the "redis" protocol handler: one/many/page
// mapped onto GET, MGET-by-pattern, and a cursor-paginated SCAN respectively
// (spec §4.12), grounded on the teacher's go-redis client configuration.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/dataspan/gateway/internal/gwerrors"
	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/uri"
)

// Config mirrors the teacher's pooled-client connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Handler serves the "redis" scheme.
type Handler struct {
	client *redis.Client
}

var _ registry.Invocation = (*Handler)(nil)

// New opens a pooled go-redis client against cfg.
func New(cfg Config) *Handler {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        25,
		MinIdleConns:    5,
		ConnMaxIdleTime: time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})
	return &Handler{client: client}
}

func key(u *uri.URI) string {
	return fmt.Sprintf("%s:%s", u.Namespace, u.Object)
}

// InvokeOne serves find_one (GET), insert/update/upsert (SET), and delete (DEL).
func (h *Handler) InvokeOne(ctx context.Context, _ *invocation.Context, u *uri.URI, args []any) (any, error) {
	k := key(u)
	switch u.Method {
	case "find_one", "":
		val, err := h.client.Get(ctx, k).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, gwerrors.HandlerError("redis", err)
		}
		var out any
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return val, nil
		}
		return out, nil
	case "insert", "update", "upsert":
		if len(args) == 0 {
			return nil, gwerrors.HandlerError("redis", fmt.Errorf("%s requires a value argument", u.Method))
		}
		data, err := json.Marshal(args[0])
		if err != nil {
			return nil, gwerrors.HandlerError("redis", err)
		}
		ttl := time.Duration(0)
		if len(args) > 1 {
			if seconds, ok := args[1].(float64); ok {
				ttl = time.Duration(seconds) * time.Second
			}
		}
		if err := h.client.Set(ctx, k, data, ttl).Err(); err != nil {
			return nil, gwerrors.HandlerError("redis", err)
		}
		return args[0], nil
	case "delete":
		n, err := h.client.Del(ctx, k).Result()
		if err != nil {
			return nil, gwerrors.HandlerError("redis", err)
		}
		return n, nil
	default:
		return nil, &registry.ErrNotImplemented{Scheme: fmt.Sprintf("redis#%s", u.Method)}
	}
}

// InvokeMany serves find_many: args[0] is a key glob pattern, resolved via
// KEYS then fetched with MGET.
func (h *Handler) InvokeMany(ctx context.Context, _ *invocation.Context, u *uri.URI, args []any) ([]any, error) {
	pattern := key(u)
	if len(args) > 0 {
		if p, ok := args[0].(string); ok && p != "" {
			pattern = p
		}
	}

	keys, err := h.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, gwerrors.HandlerError("redis", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := h.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, gwerrors.HandlerError("redis", err)
	}

	out := make([]any, 0, len(vals))
	for _, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			out = append(out, s)
		} else {
			out = append(out, decoded)
		}
	}
	return out, nil
}

// InvokePage serves a cursor-paginated SCAN: args[0] is the glob pattern,
// args[1].page_no carries the previous SCAN cursor (0 to start), args[1].page_size
// the COUNT hint. The returned Page.PageNo carries the next cursor (0 once
// exhausted).
func (h *Handler) InvokePage(ctx context.Context, _ *invocation.Context, u *uri.URI, args []any) (*registry.Page, error) {
	pattern := key(u)
	if len(args) > 0 {
		if p, ok := args[0].(string); ok && p != "" {
			pattern = p
		}
	}

	var cursor uint64
	count := int64(20)
	if len(args) > 1 {
		if m, ok := args[1].(map[string]any); ok {
			if v, ok := m["page_no"].(float64); ok {
				cursor = uint64(v)
			}
			if v, ok := m["page_size"].(float64); ok && v > 0 {
				count = int64(v)
			}
		}
	}

	keys, nextCursor, err := h.client.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, gwerrors.HandlerError("redis", err)
	}

	var records []any
	if len(keys) > 0 {
		vals, err := h.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, gwerrors.HandlerError("redis", err)
		}
		for _, v := range vals {
			if v == nil {
				continue
			}
			s, _ := v.(string)
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				records = append(records, s)
			} else {
				records = append(records, decoded)
			}
		}
	}

	return &registry.Page{
		Total:    uint64(len(records)),
		PageNo:   nextCursor,
		PageSize: uint64(count),
		Records:  records,
	}, nil
}
