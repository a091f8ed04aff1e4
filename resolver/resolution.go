package resolver

import (
	"context"

	"github.com/BaSui01/agentrun/compose"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// Source 解析来源。
type Source string

const (
	SourceDirect     Source = "direct"
	SourceCheckpoint Source = "checkpoint"
	SourceSession    Source = "session"
)

// Resolution 三种来源统一后的解析结果，下游按同一方式消费。
// 调用方提供的字段已逐键覆盖快照中的默认值。
type Resolution struct {
	Source           Source
	ComposeID        string
	ComposeVersionID string
	Content          *compose.Content

	Vars        map[string]string
	SecretNames []string // 快照中记录的名称，仅供参考

	VolumeVersions map[string]string
	// VolumeVersionsExplicit 调用方显式指定了卷版本。
	VolumeVersionsExplicit bool
	// SnapshotVolumes checkpoint 记录了卷快照，快照中缺失的可选卷保持跳过。
	SnapshotVolumes bool

	ArtifactName    string
	ArtifactVersion string

	Conversation *store.Conversation
	CheckpointID string
	SessionID    string
}

// Prepare 校验请求并从对应来源加载默认值。
func (r *Resolver) Prepare(ctx context.Context, req Request) (*Resolution, error) {
	if req.CheckpointID != "" && req.SessionID != "" {
		return nil, types.BadRequest("checkpointId and sessionId are mutually exclusive")
	}
	var (
		res *Resolution
		err error
	)
	switch {
	case req.CheckpointID != "":
		res, err = r.FromCheckpoint(ctx, req.UserID, req.CheckpointID)
	case req.SessionID != "":
		res, err = r.FromSession(ctx, req.UserID, req.SessionID)
	case req.ComposeVersionID != "":
		res, err = r.FromDirect(ctx, req.UserID, req.ComposeVersionID, req.ConversationID)
	default:
		return nil, types.BadRequest("one of composeVersionId, checkpointId or sessionId is required")
	}
	if err != nil {
		return nil, err
	}
	res.applyOverrides(req)
	// artifact 只能按版本下载，没有版本的对象键不存在
	if res.ArtifactName != "" && res.ArtifactVersion == "" {
		return nil, types.BadRequest("artifact %s requires a version", res.ArtifactName)
	}
	return res, nil
}

// FromCheckpoint 从 checkpoint 快照恢复：固定的 compose 版本、变量、artifact 与卷版本。
func (r *Resolver) FromCheckpoint(ctx context.Context, userID, checkpointID string) (*Resolution, error) {
	cp, err := r.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	run, err := r.store.GetRun(ctx, cp.RunID)
	if err != nil || run.UserID != userID {
		// 不区分不存在与无权访问
		return nil, types.NotFound("checkpoint %s not found", checkpointID)
	}
	conv, err := r.store.GetConversation(ctx, cp.ConversationID)
	if err != nil {
		return nil, err
	}
	version, err := r.store.GetComposeVersionIn(ctx, run.ComposeID, cp.ComposeVersionID)
	if err != nil {
		return nil, err
	}
	content, err := version.Parse()
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Source:           SourceCheckpoint,
		ComposeID:        version.ComposeID,
		ComposeVersionID: version.ID,
		Content:          content,
		Vars:             cp.Vars.Clone(),
		SecretNames:      cp.SecretNames,
		VolumeVersions:   cp.VolumeVersions.Clone(),
		SnapshotVolumes:  cp.VolumeVersions != nil,
		ArtifactName:     cp.ArtifactName,
		ArtifactVersion:  cp.ArtifactVersion,
		Conversation:     conv,
		CheckpointID:     cp.ID,
	}, nil
}

// FromSession 继续会话：总是使用 compose 的 HEAD 版本。
func (r *Resolver) FromSession(ctx context.Context, userID, sessionID string) (*Resolution, error) {
	sess, err := r.store.GetAgentSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, types.NotFound("session %s not found", sessionID)
	}
	version, err := r.store.GetHeadVersion(ctx, sess.ComposeID)
	if err != nil {
		return nil, err
	}
	content, err := version.Parse()
	if err != nil {
		return nil, err
	}
	res := &Resolution{
		Source:           SourceSession,
		ComposeID:        version.ComposeID,
		ComposeVersionID: version.ID,
		Content:          content,
		Vars:             sess.Vars.Clone(),
		SecretNames:      sess.SecretNames,
		VolumeVersions:   sess.VolumeVersions.Clone(),
		ArtifactName:     sess.ArtifactName,
		ArtifactVersion:  sess.ArtifactVersion,
		SessionID:        sess.ID,
	}
	if sess.ConversationID != nil {
		conv, err := r.store.GetConversation(ctx, *sess.ConversationID)
		if err != nil {
			return nil, err
		}
		res.Conversation = conv
	}
	return res, nil
}

// FromDirect 直接指定 compose 版本，可选附带一个会话继续。
func (r *Resolver) FromDirect(ctx context.Context, userID, versionID, conversationID string) (*Resolution, error) {
	version, err := r.store.GetComposeVersion(ctx, versionID, userID)
	if err != nil {
		return nil, err
	}
	content, err := version.Parse()
	if err != nil {
		return nil, err
	}
	res := &Resolution{
		Source:           SourceDirect,
		ComposeID:        version.ComposeID,
		ComposeVersionID: version.ID,
		Content:          content,
	}
	if conversationID != "" {
		conv, err := r.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		run, err := r.store.GetRun(ctx, conv.RunID)
		if err != nil || run.UserID != userID {
			return nil, types.NotFound("conversation %s not found", conversationID)
		}
		res.Conversation = conv
	}
	return res, nil
}

// applyOverrides 调用方字段逐键覆盖快照默认值，反之不成立。
func (res *Resolution) applyOverrides(req Request) {
	if len(req.Vars) > 0 {
		res.Vars = mergeMaps(res.Vars, req.Vars)
	}
	if res.Vars == nil {
		res.Vars = map[string]string{}
	}
	if len(req.VolumeVersions) > 0 {
		res.VolumeVersions = mergeMaps(res.VolumeVersions, req.VolumeVersions)
		res.VolumeVersionsExplicit = true
	}
	if req.ArtifactName != "" {
		res.ArtifactName = req.ArtifactName
		res.ArtifactVersion = req.ArtifactVersion
	} else if req.ArtifactVersion != "" && res.ArtifactName != "" {
		res.ArtifactVersion = req.ArtifactVersion
	}
}
