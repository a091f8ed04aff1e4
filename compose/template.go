package compose

import (
	"regexp"
	"sort"
	"strings"

	"github.com/BaSui01/agentrun/types"
)

// 模板引用来源
const (
	SourceVars        = "vars"
	SourceSecrets     = "secrets"
	SourceCredentials = "credentials"
)

// ${{ source.NAME }}，允许花括号内任意空白
var placeholderPattern = regexp.MustCompile(`\$\{\{\s*(vars|secrets|credentials)\.([A-Za-z_][A-Za-z0-9_-]*)\s*\}\}`)

// References 按来源分组的模板引用名（去重、排序）。
type References struct {
	Vars        []string
	Secrets     []string
	Credentials []string
}

// Empty 没有任何引用。
func (r References) Empty() bool {
	return len(r.Vars) == 0 && len(r.Secrets) == 0 && len(r.Credentials) == 0
}

// ExtractReferences 扫描整个环境模板，收集所有占位符引用。
func ExtractReferences(env map[string]string) References {
	sets := map[string]map[string]struct{}{
		SourceVars:        {},
		SourceSecrets:     {},
		SourceCredentials: {},
	}
	for _, value := range env {
		for _, m := range placeholderPattern.FindAllStringSubmatch(value, -1) {
			sets[m[1]][m[2]] = struct{}{}
		}
	}
	return References{
		Vars:        sortedKeys(sets[SourceVars]),
		Secrets:     sortedKeys(sets[SourceSecrets]),
		Credentials: sortedKeys(sets[SourceCredentials]),
	}
}

// Values 模板展开的取值来源。
type Values struct {
	Vars        map[string]string
	Secrets     map[string]string
	Credentials map[string]string
}

func (v Values) lookup(source, name string) (string, bool) {
	var m map[string]string
	switch source {
	case SourceVars:
		m = v.Vars
	case SourceSecrets:
		m = v.Secrets
	case SourceCredentials:
		m = v.Credentials
	}
	val, ok := m[name]
	return val, ok
}

// Expand 展开环境模板。任何引用缺失都会返回 BAD_REQUEST，
// 错误信息列出全部缺失项，而不是静默替换为空串。
func Expand(env map[string]string, values Values) (map[string]string, error) {
	out := make(map[string]string, len(env))
	missing := make(map[string]struct{})
	for key, tmpl := range env {
		out[key] = placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
			m := placeholderPattern.FindStringSubmatch(match)
			val, ok := values.lookup(m[1], m[2])
			if !ok {
				missing[m[1]+"."+m[2]] = struct{}{}
				return match
			}
			return val
		})
	}
	if len(missing) > 0 {
		return nil, types.BadRequest("missing template values: %s", strings.Join(sortedKeys(missing), ", "))
	}
	return out, nil
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
