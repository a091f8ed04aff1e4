package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/compose"
	"github.com/BaSui01/agentrun/store"
)

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// ComposeContent 返回一个最小可用的 claude-code compose。
func ComposeContent(name string) *compose.Content {
	return &compose.Content{
		Name:       name,
		Framework:  compose.FrameworkClaudeCode,
		WorkingDir: "/home/user/workspace",
		Environment: map[string]string{
			"REPO": "${{ vars.repo }}",
		},
	}
}

// SeedCompose 保存 compose 并返回 compose 与版本。
func SeedCompose(t *testing.T, st *store.Store, userID string, content *compose.Content) (*store.Compose, *store.ComposeVersion) {
	t.Helper()
	c, v, err := st.SaveComposeVersion(context.Background(), userID, content)
	require.NoError(t, err)
	return c, v
}

// SeedRun 直接插入指定状态的 run。
func SeedRun(t *testing.T, st *store.Store, run *store.Run) *store.Run {
	t.Helper()
	if run.ID == "" {
		run.ID = store.NewID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.ComposeVersionID == "" {
		run.ComposeVersionID = "v"
	}
	if run.ComposeID == "" {
		run.ComposeID = "c"
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

// SeedVolume 创建卷并添加一个版本，返回卷与 HEAD 版本 ID。
func SeedVolume(t *testing.T, st *store.Store, userID, name string) (*store.Volume, string) {
	t.Helper()
	ctx := context.Background()
	v := &store.Volume{UserID: userID, Name: name}
	require.NoError(t, st.CreateVolume(ctx, v))
	vv, err := st.AddVolumeVersion(ctx, v.ID, 1024, 3)
	require.NoError(t, err)
	return v, vv.ID
}

// StrPtr 返回字符串指针。
func StrPtr(s string) *string { return &s }

// TimePtr 返回时间指针。
func TimePtr(t time.Time) *time.Time { return &t }
