// Package sqlite file: internal/adapter/datasource/sqlite/validate.go
package sqlite

import (
	"fmt"
	"strings"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/domain"
	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/port"
)

// validateQueryConfig 是授权门：在任何 SQL 组装发生之前整体校验 QueryConfig。
// 按固定顺序检查，命中第一个失败即返回；nil 表示通过。
// 每条失败消息都是面向前端的具体原因，UI 会原样展示用于引导用户修正查询。
func validateQueryConfig(cfg domain.QueryConfig) error {
	// 1. 来源必须在白名单内
	if cfg.SourceTable == "" {
		return port.NewConfigValidationError("source table is required")
	}
	if !isSourceAllowed(cfg.SourceTable) {
		return port.NewConfigValidationError(fmt.Sprintf("source table '%s' is not allowed", cfg.SourceTable))
	}

	// 2. 至少选择一列或一个表达式列
	if len(cfg.Columns) == 0 && len(cfg.ExpressionColumns) == 0 {
		return port.NewConfigValidationError("query must select at least one column or expression column")
	}

	// 3. 普通列上的聚合函数必须在白名单内
	for _, c := range cfg.Columns {
		if c.AggregateFunction != "" && !isAggregateAllowed(c.AggregateFunction) {
			return port.NewConfigValidationError(fmt.Sprintf("aggregate function '%s' is not allowed", c.AggregateFunction))
		}
	}

	// 4. 过滤操作符 (递归穿过整棵 FilterGroup 树) 必须在白名单内
	if err := validateFilterOperators(cfg.Filters); err != nil {
		return err
	}

	// 5. 表达式列必须形态完整
	for _, e := range cfg.ExpressionColumns {
		if strings.TrimSpace(e.Alias) == "" {
			return port.NewConfigValidationError("expression column requires a non-empty alias")
		}
		if strings.TrimSpace(e.Expression) == "" {
			return port.NewConfigValidationError(fmt.Sprintf("expression column '%s' requires a non-empty expression", e.Alias))
		}
		if e.AggregateFunction != "" && !isAggregateAllowed(e.AggregateFunction) {
			return port.NewConfigValidationError(fmt.Sprintf("aggregate function '%s' is not allowed", e.AggregateFunction))
		}
	}

	// 6. JOIN 配置必须合法
	for _, j := range cfg.Joins {
		if err := validateJoin(j); err != nil {
			return port.NewConfigValidationError(err.Error())
		}
	}

	return nil
}

// validateFilterOperators 校验过滤描述里出现的全部操作符与组操作符。
func validateFilterOperators(filters domain.FilterSpec) error {
	if filters.Group != nil {
		if err := validateGroupOperators(filters.Group); err != nil {
			return err
		}
	}
	var bad error
	filters.Walk(func(c domain.FilterCondition) bool {
		if !isOperatorAllowed(c.Operator) {
			bad = port.NewConfigValidationError(fmt.Sprintf("filter operator '%s' is not allowed", c.Operator))
			return false
		}
		return true
	})
	return bad
}

func validateGroupOperators(g *domain.FilterGroup) error {
	op := strings.ToUpper(strings.TrimSpace(g.Operator))
	if op != "AND" && op != "OR" {
		return port.NewConfigValidationError(fmt.Sprintf("filter group operator '%s' is not allowed", g.Operator))
	}
	for _, node := range g.Conditions {
		if node.Group != nil {
			if err := validateGroupOperators(node.Group); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateFacetConfig 是 facet 入口的轻量校验：facet 不消费 SELECT 列表，
// 所以不要求选择列，只校验来源、过滤与 JOIN。
func validateFacetConfig(cfg domain.QueryConfig) error {
	if cfg.SourceTable == "" {
		return port.NewConfigValidationError("source table is required")
	}
	if !isSourceAllowed(cfg.SourceTable) {
		return port.NewConfigValidationError(fmt.Sprintf("source table '%s' is not allowed", cfg.SourceTable))
	}
	if err := validateFilterOperators(cfg.Filters); err != nil {
		return err
	}
	for _, j := range cfg.Joins {
		if err := validateJoin(j); err != nil {
			return port.NewConfigValidationError(err.Error())
		}
	}
	return nil
}
