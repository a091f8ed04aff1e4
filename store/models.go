package store

import (
	"time"

	"github.com/BaSui01/agentrun/compose"
)

// ============================================================
// Run
// ============================================================

// RunStatus run 生命周期状态。
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusCancelled RunStatus = "cancelled"
)

// TerminalStatuses 终态集合，进入后不可再变更。
var TerminalStatuses = []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusTimeout, RunStatusCancelled}

// IsTerminal 是否为终态。
func (s RunStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// Valid 是否为已知状态。
func (s RunStatus) Valid() bool {
	return s == RunStatusPending || s == RunStatusRunning || s.IsTerminal()
}

// Run 一次 agent 执行。
type Run struct {
	ID                      string     `gorm:"primaryKey;size:36" json:"id"`
	UserID                  string     `gorm:"size:64;not null;index:idx_runs_user_status" json:"user_id"`
	ComposeID               string     `gorm:"size:36;not null;index" json:"compose_id"`
	ComposeVersionID        string     `gorm:"size:64;not null" json:"compose_version_id"`
	Status                  RunStatus  `gorm:"size:16;not null;index:idx_runs_user_status;index:idx_runs_status_heartbeat" json:"status"`
	Prompt                  string     `gorm:"type:text" json:"prompt"`
	Vars                    StringMap  `gorm:"type:text" json:"vars,omitempty"`         // 解析后的模板变量（不含 secret）
	SecretNames             StringList `gorm:"type:text" json:"secret_names,omitempty"` // 只记录 secret 名称
	VolumeVersions          StringMap  `gorm:"type:text" json:"volume_versions,omitempty"`
	ArtifactName            string     `gorm:"size:128" json:"artifact_name,omitempty"`
	ArtifactVersion         string     `gorm:"size:128" json:"artifact_version,omitempty"`
	SandboxID               *string    `gorm:"size:128" json:"sandbox_id,omitempty"`
	ScheduleID              *string    `gorm:"size:36;index" json:"schedule_id,omitempty"`
	ResumedFromCheckpointID *string    `gorm:"size:36" json:"resumed_from_checkpoint_id,omitempty"`
	ContinuedFromSessionID  *string    `gorm:"size:36" json:"continued_from_session_id,omitempty"`
	Error                   string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt               time.Time  `gorm:"index" json:"created_at"`
	StartedAt               *time.Time `json:"started_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt         *time.Time `gorm:"index:idx_runs_status_heartbeat" json:"last_heartbeat_at,omitempty"`
}

func (Run) TableName() string {
	return "ar_runs"
}

// ============================================================
// Compose
// ============================================================

// Compose 可变的 compose 名称与 HEAD 指针。
type Compose struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	UserID        string    `gorm:"size:64;not null;uniqueIndex:idx_compose_owner_name" json:"user_id"`
	Name          string    `gorm:"size:128;not null;uniqueIndex:idx_compose_owner_name" json:"name"`
	HeadVersionID *string   `gorm:"size:64" json:"head_version_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Compose) TableName() string {
	return "ar_composes"
}

// ComposeVersion 不可变的 compose 内容，ID 为内容哈希。
// 不同 compose 可能保存相同内容，因此主键为 (id, compose_id)。
type ComposeVersion struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	ComposeID string    `gorm:"primaryKey;size:36" json:"compose_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedBy string    `gorm:"size:64" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func (ComposeVersion) TableName() string {
	return "ar_compose_versions"
}

// Parse 解析版本内容。
func (v *ComposeVersion) Parse() (*compose.Content, error) {
	return compose.Parse([]byte(v.Content))
}

// ComposePermission 非所有者的运行授权。
type ComposePermission struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ComposeID     string    `gorm:"size:36;not null;uniqueIndex:idx_compose_grantee" json:"compose_id"`
	GranteeUserID string    `gorm:"size:64;not null;uniqueIndex:idx_compose_grantee" json:"grantee_user_id"`
	CreatedAt     time.Time `json:"created_at"`
}

func (ComposePermission) TableName() string {
	return "ar_compose_permissions"
}

// ============================================================
// Conversation / Checkpoint / Session
// ============================================================

// Conversation 可恢复的 CLI 会话记录。
type Conversation struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	RunID          string    `gorm:"size:36;not null;index" json:"run_id"`
	CliAgentType   string    `gorm:"size:32;not null" json:"cli_agent_type"`
	SessionID      string    `gorm:"size:128;not null" json:"session_id"`
	SessionHistory string    `gorm:"type:text" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Conversation) TableName() string {
	return "ar_conversations"
}

// Checkpoint run 结束时的输入快照，每个 run 至多一个。
type Checkpoint struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	RunID            string     `gorm:"size:36;not null;uniqueIndex" json:"run_id"`
	ConversationID   string     `gorm:"size:36;not null" json:"conversation_id"`
	ComposeVersionID string     `gorm:"size:64;not null" json:"compose_version_id"`
	Vars             StringMap  `gorm:"type:text" json:"vars,omitempty"`
	SecretNames      StringList `gorm:"type:text" json:"secret_names,omitempty"`
	ArtifactName     string     `gorm:"size:128" json:"artifact_name,omitempty"`
	ArtifactVersion  string     `gorm:"size:128" json:"artifact_version,omitempty"`
	VolumeVersions   StringMap  `gorm:"type:text" json:"volume_versions,omitempty"` // nil 表示未记录卷快照
	CreatedAt        time.Time  `json:"created_at"`
}

func (Checkpoint) TableName() string {
	return "ar_checkpoints"
}

// AgentSession 可继续的会话，始终使用 compose 的最新版本。
type AgentSession struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	UserID          string     `gorm:"size:64;not null;index" json:"user_id"`
	ComposeID       string     `gorm:"size:36;not null" json:"compose_id"`
	ConversationID  *string    `gorm:"size:36" json:"conversation_id,omitempty"`
	Vars            StringMap  `gorm:"type:text" json:"vars,omitempty"`
	SecretNames     StringList `gorm:"type:text" json:"secret_names,omitempty"`
	ArtifactName    string     `gorm:"size:128" json:"artifact_name,omitempty"`
	ArtifactVersion string     `gorm:"size:128" json:"artifact_version,omitempty"`
	VolumeVersions  StringMap  `gorm:"type:text" json:"volume_versions,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (AgentSession) TableName() string {
	return "ar_agent_sessions"
}

// ============================================================
// Schedule
// ============================================================

// Schedule 定时触发的 run 模板。cron 与 at-time 二选一。
type Schedule struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	UserID           string     `gorm:"size:64;not null;index" json:"user_id"`
	ComposeID        string     `gorm:"size:36;not null;uniqueIndex:idx_schedule_compose_name" json:"compose_id"`
	Name             string     `gorm:"size:128;not null;uniqueIndex:idx_schedule_compose_name" json:"name"`
	CronExpression   *string    `gorm:"size:128" json:"cron_expression,omitempty"`
	AtTime           *time.Time `json:"at_time,omitempty"`
	Timezone         string     `gorm:"size:64;not null;default:UTC" json:"timezone"`
	Prompt           string     `gorm:"type:text" json:"prompt"`
	Vars             StringMap  `gorm:"type:text" json:"vars,omitempty"`
	EncryptedSecrets string     `gorm:"type:text" json:"-"` // XChaCha20-Poly1305 密文
	SecretNames      StringList `gorm:"type:text" json:"secret_names,omitempty"`
	ArtifactName     string     `gorm:"size:128" json:"artifact_name,omitempty"`
	ArtifactVersion  string     `gorm:"size:128" json:"artifact_version,omitempty"`
	VolumeVersions   StringMap  `gorm:"type:text" json:"volume_versions,omitempty"`
	Enabled          bool       `gorm:"not null;index:idx_schedule_due" json:"enabled"`
	NextRunAt        *time.Time `gorm:"index:idx_schedule_due" json:"next_run_at,omitempty"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastRunID        *string    `gorm:"size:36" json:"last_run_id,omitempty"`
	RetryStartedAt   *time.Time `json:"retry_started_at,omitempty"` // 连续失败的起始时间
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Schedule) TableName() string {
	return "ar_schedules"
}

// IsOneShot 是否为一次性 at-time 调度。
func (s *Schedule) IsOneShot() bool {
	return s.CronExpression == nil && s.AtTime != nil
}

// ============================================================
// Volume / Variable / Secret / ModelProvider
// ============================================================

// Volume 用户的存储卷。
type Volume struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	UserID        string    `gorm:"size:64;not null;uniqueIndex:idx_volume_owner_name" json:"user_id"`
	Name          string    `gorm:"size:128;not null;uniqueIndex:idx_volume_owner_name" json:"name"`
	HeadVersionID *string   `gorm:"size:36" json:"head_version_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Volume) TableName() string {
	return "ar_volumes"
}

// VolumeVersion 卷的不可变版本，对象存储键为 volumes/<name>/<id>.tar.gz。
type VolumeVersion struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	VolumeID  string    `gorm:"size:36;not null;index" json:"volume_id"`
	Size      int64     `json:"size"`
	FileCount int       `json:"file_count"`
	CreatedAt time.Time `json:"created_at"`
}

func (VolumeVersion) TableName() string {
	return "ar_volume_versions"
}

// Variable 服务端保存的用户变量。
type Variable struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_variable_owner_name" json:"user_id"`
	Name      string    `gorm:"size:128;not null;uniqueIndex:idx_variable_owner_name" json:"name"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Variable) TableName() string {
	return "ar_variables"
}

// SecretRecord 加密保存的 secret / credential。
type SecretRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     string    `gorm:"size:64;not null;uniqueIndex:idx_secret_scope_name" json:"user_id"`
	Type       string    `gorm:"size:16;not null;uniqueIndex:idx_secret_scope_name" json:"type"` // secret | credential
	Name       string    `gorm:"size:128;not null;uniqueIndex:idx_secret_scope_name" json:"name"`
	Ciphertext string    `gorm:"type:text;not null" json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (SecretRecord) TableName() string {
	return "ar_secrets"
}

// ModelProvider 用户配置的模型供应商。
type ModelProvider struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        string    `gorm:"size:64;not null;index" json:"user_id"`
	Type          string    `gorm:"size:64;not null" json:"type"`
	IsDefault     bool      `gorm:"not null;default:false" json:"is_default"`
	SelectedModel string    `gorm:"size:128" json:"selected_model,omitempty"`
	AuthMethod    string    `gorm:"size:64" json:"auth_method,omitempty"` // 仅 multi-auth 供应商
	CreatedAt     time.Time `json:"created_at"`
}

func (ModelProvider) TableName() string {
	return "ar_model_providers"
}

// AllModels AutoMigrate 使用的模型列表。
func AllModels() []any {
	return []any{
		&Run{}, &Compose{}, &ComposeVersion{}, &ComposePermission{},
		&Conversation{}, &Checkpoint{}, &AgentSession{}, &Schedule{},
		&Volume{}, &VolumeVersion{}, &Variable{}, &SecretRecord{}, &ModelProvider{},
	}
}
