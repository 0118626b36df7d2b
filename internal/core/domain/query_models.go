// Package domain file: internal/core/domain/query_models.go
package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// QueryConfig 描述一次仪表盘查询的完整声明式配置。
// 由前端以 JSON 构造，经授权门校验后才会被编译为参数化 SQL。
type QueryConfig struct {
	SourceTable       string             `json:"sourceTable"`
	Columns           []ColumnSelection  `json:"columns"`
	ExpressionColumns []ExpressionColumn `json:"expressionColumns"`
	ColumnOrder       []string           `json:"columnOrder,omitempty"`
	Joins             []JoinConfig       `json:"joins,omitempty"`
	Filters           FilterSpec         `json:"filters,omitempty"`
	GroupBy           []string           `json:"groupBy,omitempty"`
	OrderBy           []OrderBy          `json:"orderBy,omitempty"`
	Limit             *int               `json:"limit,omitempty"`
	Offset            *int               `json:"offset,omitempty"`
}

// ColumnSelection 选择一个普通列。启用 JOIN 时 Column 可以带表前缀 (table.col)。
type ColumnSelection struct {
	Column            string `json:"column"`
	Alias             string `json:"alias,omitempty"`
	AggregateFunction string `json:"aggregateFunction,omitempty"`
}

// ExpressionColumn 选择一个由 SQL 片段定义的计算列，别名必填。
type ExpressionColumn struct {
	Expression        string `json:"expression"`
	Alias             string `json:"alias"`
	AggregateFunction string `json:"aggregateFunction,omitempty"`
}

// JoinConfig 描述一次到白名单表的 JOIN。
type JoinConfig struct {
	Type  string `json:"type"` // LEFT / INNER / RIGHT
	Table string `json:"table"`
	Alias string `json:"alias,omitempty"`
	On    JoinOn `json:"on"`
}

// JoinOn 描述 JOIN 的等值连接条件，两侧都是列引用。
type JoinOn struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// OrderBy 描述一个排序键。Direction 只接受 ASC / DESC，非法值按 ASC 处理。
type OrderBy struct {
	Column    string `json:"column"`
	Direction string `json:"direction,omitempty"`
}

// FilterCondition 描述一个原子过滤条件。
// Value 可能是标量、数组 (IN / NOT IN) 或缺省 (IS [NOT] NULL)。
type FilterCondition struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// FilterGroup 是递归的 AND/OR 过滤树，子节点可以是条件也可以是嵌套组。
type FilterGroup struct {
	Operator   string       `json:"operator"` // AND / OR
	Conditions []FilterNode `json:"conditions"`
}

// FilterNode 是 FilterCondition | FilterGroup 的联合类型。
// 反序列化时按结构区分：带 "conditions" 字段的对象是组，其余是条件。
type FilterNode struct {
	Condition *FilterCondition
	Group     *FilterGroup
}

// UnmarshalJSON 通过结构探测决定节点类型，与前端的无标签 JSON 保持兼容。
func (n *FilterNode) UnmarshalJSON(data []byte) error {
	var probe struct {
		Conditions json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Conditions != nil {
		g := &FilterGroup{}
		if err := json.Unmarshal(data, g); err != nil {
			return err
		}
		n.Group = g
		return nil
	}
	c := &FilterCondition{}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	n.Condition = c
	return nil
}

// MarshalJSON 输出节点实际承载的那一侧。
func (n FilterNode) MarshalJSON() ([]byte, error) {
	if n.Group != nil {
		return json.Marshal(n.Group)
	}
	return json.Marshal(n.Condition)
}

// FilterSpec 兼容两种过滤写法：扁平条件数组 (历史格式) 或递归 FilterGroup 树。
// 两个字段最多只有一个非空。
type FilterSpec struct {
	List  []FilterCondition
	Group *FilterGroup
}

// UnmarshalJSON 按首字符区分数组与对象两种形态。
func (f *FilterSpec) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(data, &f.List)
	}
	g := &FilterGroup{}
	if err := json.Unmarshal(data, g); err != nil {
		return err
	}
	f.Group = g
	return nil
}

// MarshalJSON 按原始形态序列化，供仪表盘持久化时往返使用。
func (f FilterSpec) MarshalJSON() ([]byte, error) {
	if f.Group != nil {
		return json.Marshal(f.Group)
	}
	if f.List != nil {
		return json.Marshal(f.List)
	}
	return []byte("null"), nil
}

// IsEmpty 报告是否完全没有过滤条件。
func (f FilterSpec) IsEmpty() bool {
	return f.Group == nil && len(f.List) == 0
}

// ExcludeColumn 返回一个去掉所有针对指定列的条件后的副本。
// facet 查询用它来忽略目标列自身的筛选，保证下拉框能看到全部可选值。
func (f FilterSpec) ExcludeColumn(column string) FilterSpec {
	if f.Group != nil {
		g := f.Group.ExcludeColumn(column)
		if g == nil || len(g.Conditions) == 0 {
			return FilterSpec{}
		}
		return FilterSpec{Group: g}
	}
	var out []FilterCondition
	for _, c := range f.List {
		if !columnRefMatches(c.Column, column) {
			out = append(out, c)
		}
	}
	return FilterSpec{List: out}
}

// ExcludeColumn 递归地产生剔除指定列条件后的新树，变空的子组被整体丢弃。
func (g *FilterGroup) ExcludeColumn(column string) *FilterGroup {
	if g == nil {
		return nil
	}
	out := &FilterGroup{Operator: g.Operator}
	for _, node := range g.Conditions {
		switch {
		case node.Condition != nil:
			if !columnRefMatches(node.Condition.Column, column) {
				c := *node.Condition
				out.Conditions = append(out.Conditions, FilterNode{Condition: &c})
			}
		case node.Group != nil:
			sub := node.Group.ExcludeColumn(column)
			if sub != nil && len(sub.Conditions) > 0 {
				out.Conditions = append(out.Conditions, FilterNode{Group: sub})
			}
		}
	}
	return out
}

// Walk 深度优先遍历过滤树中的全部条件，visit 返回 false 时终止遍历。
func (f FilterSpec) Walk(visit func(c FilterCondition) bool) bool {
	for _, c := range f.List {
		if !visit(c) {
			return false
		}
	}
	if f.Group != nil {
		return f.Group.walk(visit)
	}
	return true
}

func (g *FilterGroup) walk(visit func(c FilterCondition) bool) bool {
	for _, node := range g.Conditions {
		switch {
		case node.Condition != nil:
			if !visit(*node.Condition) {
				return false
			}
		case node.Group != nil:
			if !node.Group.walk(visit) {
				return false
			}
		}
	}
	return true
}

// columnRefMatches 比较列引用是否指向同一列，带表前缀的引用按末段比较。
func columnRefMatches(ref, column string) bool {
	if ref == column {
		return true
	}
	if i := strings.LastIndex(ref, "."); i >= 0 {
		return ref[i+1:] == column
	}
	return false
}
