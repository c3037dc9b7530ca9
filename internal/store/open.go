package store

import (
	"context"
	"strings"
)

// Open 根据驱动名称构造 Store，memory 驱动不需要 DSN。
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	default:
		return OpenSQL(ctx, cfg)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
