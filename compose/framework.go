package compose

import (
	"fmt"
	"path"
	"strings"
)

// Framework agent CLI 框架。
type Framework string

const (
	FrameworkClaudeCode Framework = "claude-code"
	FrameworkCodex      Framework = "codex"
)

type frameworkRules struct {
	defaultImage     string
	managedProviders bool
	sessionPath      func(workingDir, sessionID string) string
}

var frameworks = map[Framework]frameworkRules{
	FrameworkClaudeCode: {
		defaultImage:     "agentrun/claude-code:latest",
		managedProviders: true,
		sessionPath: func(workingDir, sessionID string) string {
			// 工作目录中的 "/" 编码为 "-"，/home/user/app -> -home-user-app
			project := strings.ReplaceAll(workingDir, "/", "-")
			return path.Join("/home/user/.claude/projects", project, sessionID+".jsonl")
		},
	},
	FrameworkCodex: {
		defaultImage:     "agentrun/codex:latest",
		managedProviders: false,
		sessionPath: func(_, sessionID string) string {
			return path.Join("/home/user/.codex/sessions", sessionID+".jsonl")
		},
	},
}

// Valid 判断框架是否受支持。
func (f Framework) Valid() bool {
	_, ok := frameworks[f]
	return ok
}

// SupportsManagedProviders 框架是否支持托管模型供应商凭证注入。
func (f Framework) SupportsManagedProviders() bool {
	return frameworks[f].managedProviders
}

// SessionHistoryPath 返回会话历史文件在沙箱内的路径。
func (f Framework) SessionHistoryPath(workingDir, sessionID string) (string, error) {
	rules, ok := frameworks[f]
	if !ok {
		return "", fmt.Errorf("unsupported framework %q", f)
	}
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") || sessionID == "." || sessionID == ".." {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return rules.sessionPath(workingDir, sessionID), nil
}
