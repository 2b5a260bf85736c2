// Package route 汇总已发布的路由清单，并按方法与路径解析目标服务
package route

import (
	"strings"
)

type part struct {
	literal string
	param   string // 非空表示参数
}

type segment []part

// Pattern 解析后的URI模板，例如 /api/orders/{id}
type Pattern struct {
	raw      string
	segments []segment
}

// ParsePattern 把URI模板拆分为字面量与 {name} 参数，参数名末尾的 ? 会被忽略
func ParsePattern(uri string) Pattern {
	p := Pattern{raw: NormalizePath(uri)}
	for _, seg := range splitPath(p.raw) {
		p.segments = append(p.segments, parseSegment(seg))
	}
	return p
}

// String 返回规范化后的模板
func (p Pattern) String() string {
	return p.raw
}

// Params 返回模板中的参数名
func (p Pattern) Params() []string {
	var names []string
	for _, seg := range p.segments {
		for _, pt := range seg {
			if pt.param != "" {
				names = append(names, pt.param)
			}
		}
	}
	return names
}

// Match 逐段匹配路径，参数只匹配段内的非空内容
func (p Pattern) Match(path string) (map[string]string, bool) {
	segs := splitPath(NormalizePath(path))
	if len(segs) != len(p.segments) {
		return nil, false
	}

	params := make(map[string]string)
	for i, seg := range p.segments {
		if !matchSegment(seg, segs[i], params) {
			return nil, false
		}
	}
	return params, true
}

// Expand 用参数值替换模板中的 {name}，缺少的参数保持原样
func (p Pattern) Expand(params map[string]string) string {
	var b strings.Builder
	for _, seg := range p.segments {
		b.WriteByte('/')
		for _, pt := range seg {
			if pt.param == "" {
				b.WriteString(pt.literal)
				continue
			}
			if v, ok := params[pt.param]; ok {
				b.WriteString(v)
			} else {
				b.WriteString("{" + pt.param + "}")
			}
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// NormalizePath 把路径规范为恰好一个前导斜杠
func NormalizePath(path string) string {
	return "/" + strings.TrimLeft(path, "/")
}

func splitPath(path string) []string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseSegment(s string) segment {
	var seg segment
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			seg = append(seg, part{literal: s})
			break
		}
		end := strings.IndexByte(s[open:], '}')
		if end < 0 {
			seg = append(seg, part{literal: s})
			break
		}
		end += open

		if open > 0 {
			seg = append(seg, part{literal: s[:open]})
		}
		name := strings.TrimSuffix(s[open+1:end], "?")
		if name == "" {
			seg = append(seg, part{literal: s[open : end+1]})
		} else {
			seg = append(seg, part{param: name})
		}
		s = s[end+1:]
	}
	return seg
}

// matchSegment 回溯匹配一个路径段，参数按最长优先尝试
func matchSegment(seg segment, s string, params map[string]string) bool {
	if len(seg) == 0 {
		return s == ""
	}

	head, rest := seg[0], seg[1:]
	if head.param == "" {
		if !strings.HasPrefix(s, head.literal) {
			return false
		}
		return matchSegment(rest, s[len(head.literal):], params)
	}

	for i := len(s); i >= 1; i-- {
		if matchSegment(rest, s[i:], params) {
			params[head.param] = s[:i]
			return true
		}
	}
	return false
}
