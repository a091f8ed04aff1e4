package store

import (
	"context"
)

// CreateConversation 插入会话记录。
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// GetConversation 按 ID 查询会话记录。
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, "conversation %s not found", id)
	}
	return &c, nil
}

// CreateCheckpoint 插入 checkpoint，同一 run 重复创建由唯一索引拒绝。
func (s *Store) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	return s.db.WithContext(ctx).Create(cp).Error
}

// GetCheckpoint 按 ID 查询 checkpoint。
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&cp).Error; err != nil {
		return nil, notFound(err, "checkpoint %s not found", id)
	}
	return &cp, nil
}

// CheckpointExistsForRun run 是否已有 checkpoint。
func (s *Store) CheckpointExistsForRun(ctx context.Context, runID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Checkpoint{}).Where("run_id = ?", runID).Count(&n).Error
	return n > 0, err
}

// GetAgentSession 按 ID 查询会话。
func (s *Store) GetAgentSession(ctx context.Context, id string) (*AgentSession, error) {
	var sess AgentSession
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		return nil, notFound(err, "session %s not found", id)
	}
	return &sess, nil
}

// SaveAgentSession 插入或整体更新会话。
func (s *Store) SaveAgentSession(ctx context.Context, sess *AgentSession) error {
	return s.db.WithContext(ctx).Save(sess).Error
}
