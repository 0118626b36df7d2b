// Package sqlite — 治理数据库的 SQLite 数据源适配器
// internal/adapter/datasource/sqlite/manager.go
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/port"
	gocache "github.com/patrickmn/go-cache"

	_ "modernc.org/sqlite"
)

// 断言 *Manager 实现 port.QueryService 接口，编译期校验
var _ port.QueryService = (*Manager)(nil)

const (
	facetCacheTTL    = 30 * time.Second
	facetCacheSweep  = time.Minute
	executionTimeout = 30 * time.Second
)

// Manager 是 SQLite 适配器的核心结构体。
// 它持有唯一的库连接、列元数据缓存、查询编译器和 facet 结果的短 TTL 缓存。
// 编译过程不写任何跨请求共享状态，列元数据缓存是唯一的共享只读热点。
type Manager struct {
	db         *sql.DB
	schema     *schemaCache
	builder    *queryBuilder
	facetCache *gocache.Cache
}

// NewManager 基于已打开的连接创建 Manager。
func NewManager(db *sql.DB) *Manager {
	sc := newSchemaCache(db)
	return &Manager{
		db:         db,
		schema:     sc,
		builder:    newQueryBuilder(sc),
		facetCache: gocache.New(facetCacheTTL, facetCacheSweep),
	}
}

// Open 打开治理数据库并确认连通。
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=ON&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开治理数据库 '%s' 失败: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("连接治理数据库 '%s' (Ping) 失败: %w", path, err)
	}
	return db, nil
}

// HealthCheck 实现 port.QueryService。
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", port.ErrStoreUnavailable, err)
	}
	return nil
}

// Close 关闭底层连接。
func (m *Manager) Close() error {
	return m.db.Close()
}

// ResetSchemaCache 清空列元数据缓存。仅供测试使用。
func (m *Manager) ResetSchemaCache() {
	m.schema.Reset()
	m.facetCache.Flush()
}
