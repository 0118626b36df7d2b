// Package port file: internal/core/port/query.go
package port

import (
	"context"
	"errors"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/domain"
)

// Standard errors
var (
	ErrStoreUnavailable = errors.New("嵌入式存储不可用")
	ErrTableNotFound    = errors.New("指定的表在当前库中不存在")
)

// ConfigValidationError 表示 QueryConfig 未通过授权门校验。
// Reason 是面向前端的具体原因，路由层将其映射为 400。
type ConfigValidationError struct {
	Reason string
}

func (e *ConfigValidationError) Error() string { return e.Reason }

// NewConfigValidationError 构造一个校验失败错误。
func NewConfigValidationError(reason string) *ConfigValidationError {
	return &ConfigValidationError{Reason: reason}
}

// ColumnSchema 描述一个物理列。
type ColumnSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableSchema 描述一个可查询的表或视图。
type TableSchema struct {
	Name    string         `json:"name"`
	Columns []ColumnSchema `json:"columns"`
}

// ExecuteResult 是一次查询执行的标准返回。
// SQL 回显编译后的语句 (保留占位符，参数不以字面量回显)，供查询构建器 UI 调试。
type ExecuteResult struct {
	Data     []map[string]any `json:"data"`
	RowCount int64            `json:"rowCount"`
	SQL      string           `json:"sql"`
}

// FacetBucket 是 facet 查询返回的一个 (值, 计数) 对。
type FacetBucket struct {
	Value any   `json:"value"`
	Count int64 `json:"count"`
}

// FacetResult 是单列去重计数查询的返回。
type FacetResult struct {
	Data []FacetBucket `json:"data"`
	SQL  string        `json:"sql"`
}

// QueryService 是治理数据查询核心对外的端口。
type QueryService interface {
	// Schema 返回白名单内且实际存在于库中的表/视图结构
	Schema(ctx context.Context) ([]TableSchema, error)

	// Execute 校验、编译并执行一个 QueryConfig
	Execute(ctx context.Context, cfg domain.QueryConfig) (*ExecuteResult, error)

	// Facet 对单列做去重计数，自动剔除该列自身的过滤条件
	Facet(ctx context.Context, cfg domain.QueryConfig, column string) (*FacetResult, error)

	// HealthCheck 检查底层存储的健康状况
	HealthCheck(ctx context.Context) error
}
