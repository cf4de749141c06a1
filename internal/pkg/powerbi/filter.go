package powerbi

import "strings"

// Filter 按 ID 精确匹配、按名称不区分大小写包含匹配
// 两者都设置时须同时满足，都为空时匹配全部
type Filter struct {
	ID   string
	Name string
}

func (f Filter) Empty() bool {
	return f.ID == "" && f.Name == ""
}

func (f Filter) Match(id, name string) bool {
	if f.ID != "" && strings.TrimSpace(f.ID) != id {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(strings.TrimSpace(f.Name))) {
		return false
	}
	return true
}
