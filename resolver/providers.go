package resolver

import (
	"regexp"
	"sort"
	"strings"
)

// ExplicitProviderEnvKeys compose 环境中出现任一键时，视为用户自行配置了模型凭证，
// 不再自动注入。
var ExplicitProviderEnvKeys = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_AUTH_TOKEN",
	"ANTHROPIC_BASE_URL",
	"CLAUDE_CODE_OAUTH_TOKEN",
	"CLAUDE_CODE_USE_BEDROCK",
	"OPENAI_API_KEY",
}

// ProviderShape 供应商凭证形态：SingleCredential 或 MultiAuth。
type ProviderShape interface {
	isProviderShape()
}

// SingleCredential 一个 credential 映射到若干环境变量。
// Env 模板支持 $credential 与 $model。
type SingleCredential struct {
	CredentialName string
	Env            map[string]string
}

// AuthMethod multi-auth 供应商的一种认证方式。
// Credentials 全部存在时才会注入，Env 模板支持 $credentials.NAME 与 $model。
type AuthMethod struct {
	Credentials []string
	Env         map[string]string
}

// MultiAuth 由认证方式选择一组 credential。
type MultiAuth struct {
	AuthMethods map[string]AuthMethod
}

func (SingleCredential) isProviderShape() {}
func (MultiAuth) isProviderShape()        {}

// ProviderType 一种模型供应商。
type ProviderType struct {
	Type         string
	Shape        ProviderShape
	DefaultModel string
}

var providerTypes = map[string]ProviderType{
	"anthropic-api-key": {
		Type: "anthropic-api-key",
		Shape: SingleCredential{
			CredentialName: "ANTHROPIC_API_KEY",
			Env:            map[string]string{"ANTHROPIC_API_KEY": "$credential"},
		},
	},
	"claude-code-oauth-token": {
		Type: "claude-code-oauth-token",
		Shape: SingleCredential{
			CredentialName: "CLAUDE_CODE_OAUTH_TOKEN",
			Env:            map[string]string{"CLAUDE_CODE_OAUTH_TOKEN": "$credential"},
		},
	},
	"openrouter-api-key": {
		Type: "openrouter-api-key",
		Shape: SingleCredential{
			CredentialName: "OPENROUTER_API_KEY",
			Env: map[string]string{
				"ANTHROPIC_AUTH_TOKEN": "$credential",
				"ANTHROPIC_BASE_URL":   "https://openrouter.ai/api",
				"ANTHROPIC_MODEL":      "$model",
			},
		},
		DefaultModel: "anthropic/claude-sonnet-4",
	},
	"moonshot-api-key": {
		Type: "moonshot-api-key",
		Shape: SingleCredential{
			CredentialName: "MOONSHOT_API_KEY",
			Env: map[string]string{
				"ANTHROPIC_AUTH_TOKEN":       "$credential",
				"ANTHROPIC_BASE_URL":         "https://api.moonshot.ai/anthropic",
				"ANTHROPIC_MODEL":            "$model",
				"ANTHROPIC_SMALL_FAST_MODEL": "$model",
			},
		},
		DefaultModel: "kimi-k2-turbo-preview",
	},
	"aws-bedrock": {
		Type: "aws-bedrock",
		Shape: MultiAuth{AuthMethods: map[string]AuthMethod{
			"api-key": {
				Credentials: []string{"AWS_BEARER_TOKEN_BEDROCK", "AWS_REGION"},
				Env: map[string]string{
					"CLAUDE_CODE_USE_BEDROCK":  "1",
					"AWS_BEARER_TOKEN_BEDROCK": "$credentials.AWS_BEARER_TOKEN_BEDROCK",
					"AWS_REGION":               "$credentials.AWS_REGION",
					"ANTHROPIC_MODEL":          "$model",
				},
			},
			"access-keys": {
				Credentials: []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION"},
				Env: map[string]string{
					"CLAUDE_CODE_USE_BEDROCK": "1",
					"AWS_ACCESS_KEY_ID":       "$credentials.AWS_ACCESS_KEY_ID",
					"AWS_SECRET_ACCESS_KEY":   "$credentials.AWS_SECRET_ACCESS_KEY",
					"AWS_REGION":              "$credentials.AWS_REGION",
					"ANTHROPIC_MODEL":         "$model",
				},
			},
		}},
	},
}

// LookupProvider 按类型查找供应商。
func LookupProvider(providerType string) (ProviderType, bool) {
	p, ok := providerTypes[providerType]
	return p, ok
}

// ProviderTypes 返回所有已知供应商类型（排序）。
func ProviderTypes() []string {
	out := make([]string, 0, len(providerTypes))
	for t := range providerTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasExplicitProviderConfig compose 环境是否已显式配置模型凭证。
func HasExplicitProviderConfig(env map[string]string) bool {
	for _, k := range ExplicitProviderEnvKeys {
		if _, ok := env[k]; ok {
			return true
		}
	}
	return false
}

var providerEnvRef = regexp.MustCompile(`\$credentials\.([A-Za-z_][A-Za-z0-9_]*)|\$credential|\$model`)

// renderProviderEnv 渲染环境映射模板，三种占位符在模板上一次替换完成，
// 替换进来的值不会再被解析。渲染结果为空或引用缺失的键被丢弃。
func renderProviderEnv(tmpl map[string]string, credential, model string, credentials map[string]string) map[string]string {
	out := make(map[string]string, len(tmpl))
	for key, value := range tmpl {
		missing := false
		rendered := providerEnvRef.ReplaceAllStringFunc(value, func(m string) string {
			var v string
			var ok bool
			switch m {
			case "$credential":
				v, ok = credential, credential != ""
			case "$model":
				v, ok = model, model != ""
			default:
				v, ok = credentials[strings.TrimPrefix(m, "$credentials.")]
			}
			if !ok {
				missing = true
			}
			return v
		})
		if missing || rendered == "" {
			continue
		}
		out[key] = rendered
	}
	return out
}
