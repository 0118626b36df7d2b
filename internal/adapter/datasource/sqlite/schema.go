// Package sqlite file: internal/adapter/datasource/sqlite/schema.go
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/port"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// columnInfo 存储从 PRAGMA table_info 探测到的单列物理信息。
type columnInfo struct {
	Name    string
	Type    string
	NotNull bool
}

// columnProvider 是编译器消费列元数据的最小接口。
// 生产实现是 schemaCache；测试可以注入合成 schema 的替身 (不做记忆化)。
type columnProvider interface {
	TableColumns(tableName string) ([]columnInfo, error)
	ColumnType(columnRef, tableName string) string
}

// schemaCache 按表名记忆化列元数据。
// 运行期 schema 不变，所以条目不需要失效；TTL 只是 LRU 实现自带的兜底。
// 并发读安全；两次 cache miss 并发探测同一张表时各自计算、后写覆盖，结果确定，无需额外加锁。
type schemaCache struct {
	db    *sql.DB
	cache *lru.LRU[string, []columnInfo]
}

const (
	schemaCacheEntries = 64
	schemaCacheTTL     = 24 * time.Hour
)

func newSchemaCache(db *sql.DB) *schemaCache {
	return &schemaCache{
		db:    db,
		cache: lru.NewLRU[string, []columnInfo](schemaCacheEntries, nil, schemaCacheTTL),
	}
}

// TableColumns 返回表的列元数据，cache miss 时做一次 PRAGMA 探测。
// 表名会被插值进 PRAGMA 语句，因此必须先通过 isValidTableName。这是硬性不变量，不是优化。
func (s *schemaCache) TableColumns(tableName string) ([]columnInfo, error) {
	if cols, ok := s.cache.Get(tableName); ok {
		return cols, nil
	}
	if !isValidTableName(tableName) {
		return nil, fmt.Errorf("illegal table name '%s'", tableName)
	}

	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, tableName))
	if err != nil {
		return nil, fmt.Errorf("PRAGMA table_info for table %q 失败: %w", tableName, err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var (
			cid       int
			colName   string
			colType   string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notnull, &dfltValue, &pk); err != nil {
			slog.Warn("扫描列信息失败，跳过此列", "table", tableName, "error", err)
			continue
		}
		cols = append(cols, columnInfo{Name: colName, Type: colType, NotNull: notnull != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// PRAGMA 对不存在的表返回零行而不是报错
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", port.ErrTableNotFound, tableName)
	}

	s.cache.Add(tableName, cols)
	return cols, nil
}

// ColumnType 返回列的声明类型，未知时返回空串。
// 点分引用 (table.col / alias.col) 取前缀作为表名；前缀是 JOIN 别名时自然查不到，
// 返回空串即可，空类型会走与 TEXT 相同的宽松系数转换。
func (s *schemaCache) ColumnType(columnRef, tableName string) string {
	col := columnRef
	if i := strings.LastIndex(columnRef, "."); i >= 0 {
		tableName = columnRef[:i]
		col = columnRef[i+1:]
	}
	cols, err := s.TableColumns(tableName)
	if err != nil {
		return ""
	}
	for _, c := range cols {
		if c.Name == col {
			return c.Type
		}
	}
	return ""
}

// Reset 清空缓存。仅供测试使用，避免跨测试污染。
func (s *schemaCache) Reset() {
	s.cache.Purge()
}

// listSources 返回库中实际存在的全部用户表与视图名。
func listSources(db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			slog.Warn("扫描表名失败", "error", err)
			continue
		}
		set[name] = struct{}{}
	}
	return set, rows.Err()
}
