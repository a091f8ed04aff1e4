// Package resolver 把 run 请求解析为完整的执行上下文：compose 内容、
// 合并后的变量与 secret、模型供应商凭证以及会话恢复状态。
package resolver

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/compose"
	"github.com/BaSui01/agentrun/secrets"
	"github.com/BaSui01/agentrun/storage"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// Request run 请求。CheckpointID、SessionID 与 ComposeVersionID 三选一。
type Request struct {
	UserID           string
	ComposeVersionID string
	ConversationID   string
	CheckpointID     string
	SessionID        string
	Prompt           string
	Vars             map[string]string
	Secrets          map[string]string
	VolumeVersions   map[string]string
	ArtifactName     string
	ArtifactVersion  string
}

// ResumeSession 需要在沙箱内重建的会话历史。
type ResumeSession struct {
	SessionID   string
	History     string
	WorkingDir  string
	HistoryPath string
}

// ResumeArtifact 需要恢复的 artifact。
type ResumeArtifact struct {
	Name    string
	Version string
}

// ExecutionContext 一次 run 的完整执行上下文，只存在于内存中。
type ExecutionContext struct {
	RunID            string
	UserID           string
	ComposeID        string
	ComposeVersionID string
	Content          *compose.Content
	Prompt           string

	Vars        map[string]string
	Secrets     map[string]string
	SecretNames []string
	// MaskSecrets 供沙箱脱敏日志的值：显式 secret 与使用到的 credential。
	MaskSecrets map[string]string
	Environment map[string]string

	SandboxToken   string
	ResumeSession  *ResumeSession
	ResumeArtifact *ResumeArtifact
	Volumes        []storage.VolumeMount

	ResumedFromCheckpointID string
	ContinuedFromSessionID  string
}

// Resolver 执行上下文解析器。
type Resolver struct {
	store   *store.Store
	secrets secrets.Store
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New 创建 Resolver。
func New(st *store.Store, secretStore secrets.Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:   st,
		secrets: secretStore,
		logger:  logger.With(zap.String("component", "resolver")),
		tracer:  otel.Tracer("agentrun/resolver"),
	}
}

// Resolve 等价于 Prepare 后 Build。
func (r *Resolver) Resolve(ctx context.Context, req Request, runID, token string) (*ExecutionContext, error) {
	res, err := r.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Build(ctx, req, res, runID, token)
}

// Build 基于 Resolution 构建执行上下文：查找 secret 与 credential、
// 注入模型供应商凭证、合并服务端变量并展开环境模板。
func (r *Resolver) Build(ctx context.Context, req Request, res *Resolution, runID, token string) (_ *ExecutionContext, err error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Build", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("resolution.source", string(res.Source)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	content := res.Content
	refs := compose.ExtractReferences(content.Environment)

	// secret：store 中被引用的值，再由调用方逐键覆盖
	storeSecrets, err := r.lookupReferenced(ctx, secrets.Scope{OwnerID: req.UserID, Type: secrets.ScopeSecret}, refs.Secrets)
	if err != nil {
		return nil, err
	}
	mergedSecrets := mergeMaps(storeSecrets, req.Secrets)

	credentials, err := r.lookupReferenced(ctx, secrets.Scope{OwnerID: req.UserID, Type: secrets.ScopeCredential}, refs.Credentials)
	if err != nil {
		return nil, err
	}

	injected, providerCreds, err := r.injectProvider(ctx, req.UserID, content)
	if err != nil {
		return nil, err
	}

	serverVars, err := r.store.ListVariables(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	templateVars := mergeMaps(serverVars, res.Vars)

	expanded, err := compose.Expand(content.Environment, compose.Values{
		Vars:        templateVars,
		Secrets:     mergedSecrets,
		Credentials: credentials,
	})
	if err != nil {
		return nil, err
	}
	for k, v := range injected {
		if _, explicit := expanded[k]; !explicit {
			expanded[k] = v
		}
	}

	mask := mergeMaps(mergeMaps(credentials, providerCreds), mergedSecrets)

	ec := &ExecutionContext{
		RunID:                   runID,
		UserID:                  req.UserID,
		ComposeID:               res.ComposeID,
		ComposeVersionID:        res.ComposeVersionID,
		Content:                 content,
		Prompt:                  req.Prompt,
		Vars:                    res.Vars,
		Secrets:                 mergedSecrets,
		SecretNames:             SecretNames(mergedSecrets),
		MaskSecrets:             mask,
		Environment:             expanded,
		SandboxToken:            token,
		ResumedFromCheckpointID: res.CheckpointID,
		ContinuedFromSessionID:  res.SessionID,
	}
	if res.Conversation != nil {
		historyPath, err := content.Framework.SessionHistoryPath(content.WorkingDir, res.Conversation.SessionID)
		if err != nil {
			return nil, types.BadRequest("cannot resume session: %v", err)
		}
		ec.ResumeSession = &ResumeSession{
			SessionID:   res.Conversation.SessionID,
			History:     res.Conversation.SessionHistory,
			WorkingDir:  content.WorkingDir,
			HistoryPath: historyPath,
		}
	}
	if res.ArtifactName != "" {
		ec.ResumeArtifact = &ResumeArtifact{Name: res.ArtifactName, Version: res.ArtifactVersion}
	}

	r.logger.Debug("execution context built",
		zap.String("run_id", runID),
		zap.String("source", string(res.Source)),
		zap.Strings("secret_names", ec.SecretNames),
		zap.Int("env_keys", len(expanded)),
		zap.Int("injected_keys", len(injected)),
	)
	return ec, nil
}

// lookupReferenced 只取模板引用到的名称；store 中不存在的名称留给模板展开报告。
func (r *Resolver) lookupReferenced(ctx context.Context, scope secrets.Scope, names []string) (map[string]string, error) {
	if len(names) == 0 || r.secrets == nil {
		return map[string]string{}, nil
	}
	all, err := r.secrets.GetSecretValues(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load %s values: %w", scope.Type, err)
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// injectProvider 按用户默认模型供应商生成注入的环境变量。
// 返回注入的环境变量与使用到的 credential（用于脱敏）。
func (r *Resolver) injectProvider(ctx context.Context, userID string, content *compose.Content) (map[string]string, map[string]string, error) {
	if r.secrets == nil || HasExplicitProviderConfig(content.Environment) || !content.Framework.SupportsManagedProviders() {
		return nil, nil, nil
	}
	mp, err := r.store.GetDefaultModelProvider(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load default model provider: %w", err)
	}
	if mp == nil {
		return nil, nil, nil
	}
	pt, ok := LookupProvider(mp.Type)
	if !ok {
		r.logger.Warn("unknown model provider type", zap.String("user_id", userID), zap.String("type", mp.Type))
		return nil, nil, nil
	}
	model := mp.SelectedModel
	if model == "" {
		model = pt.DefaultModel
	}
	scope := secrets.Scope{OwnerID: userID, Type: secrets.ScopeCredential}

	switch shape := pt.Shape.(type) {
	case SingleCredential:
		cred, err := r.secrets.GetSecretValue(ctx, scope, shape.CredentialName)
		if err != nil {
			if types.IsCode(err, types.ErrNotFound) {
				r.logger.Info("model provider credential missing, skipping injection",
					zap.String("provider", pt.Type), zap.String("credential", shape.CredentialName))
				return nil, nil, nil
			}
			return nil, nil, fmt.Errorf("load provider credential: %w", err)
		}
		env := renderProviderEnv(shape.Env, cred, model, nil)
		return env, map[string]string{shape.CredentialName: cred}, nil

	case MultiAuth:
		method, ok := selectAuthMethod(shape, mp.AuthMethod)
		if !ok {
			r.logger.Info("model provider auth method not resolvable, skipping injection",
				zap.String("provider", pt.Type), zap.String("auth_method", mp.AuthMethod))
			return nil, nil, nil
		}
		all, err := r.secrets.GetSecretValues(ctx, scope)
		if err != nil {
			return nil, nil, fmt.Errorf("load provider credentials: %w", err)
		}
		used := make(map[string]string, len(method.Credentials))
		for _, name := range method.Credentials {
			v, ok := all[name]
			if !ok || v == "" {
				// 缺任何一个都不注入
				r.logger.Info("model provider credentials incomplete, skipping injection",
					zap.String("provider", pt.Type), zap.String("missing", name))
				return nil, nil, nil
			}
			used[name] = v
		}
		return renderProviderEnv(method.Env, "", model, used), used, nil
	}
	return nil, nil, nil
}

// selectAuthMethod 未指定认证方式且只有一种时使用该方式。
func selectAuthMethod(shape MultiAuth, name string) (AuthMethod, bool) {
	if name != "" {
		m, ok := shape.AuthMethods[name]
		return m, ok
	}
	if len(shape.AuthMethods) == 1 {
		for _, m := range shape.AuthMethods {
			return m, true
		}
	}
	return AuthMethod{}, false
}

// SecretNames 返回 secret 名称（排序），从不包含值。
func SecretNames(secretValues map[string]string) []string {
	if len(secretValues) == 0 {
		return nil
	}
	names := make([]string, 0, len(secretValues))
	for k := range secretValues {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// mergeMaps 浅合并，override 逐键覆盖 base。
func mergeMaps(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
