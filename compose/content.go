// Package compose 定义 agent compose 内容、框架规则与环境模板展开。
package compose

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/BaSui01/agentrun/types"
)

// VolumeMount compose 中声明的卷挂载。
type VolumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
	Optional  bool   `json:"optional,omitempty"`
}

// Content 一个 compose 版本的完整内容，版本创建后不可变。
type Content struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Framework   Framework         `json:"framework"`
	Image       string            `json:"image,omitempty"`
	WorkingDir  string            `json:"working_dir"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []VolumeMount     `json:"volumes,omitempty"`
}

// Parse 解析并校验 compose 内容。
func Parse(data []byte) (*Content, error) {
	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, types.BadRequest("invalid compose content: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 校验名称、框架、工作目录与卷声明。
func (c *Content) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return types.BadRequest("compose name is required")
	}
	if _, ok := frameworks[c.Framework]; !ok {
		return types.BadRequest("unsupported framework %q", c.Framework)
	}
	if !path.IsAbs(c.WorkingDir) {
		return types.BadRequest("working_dir must be an absolute path, got %q", c.WorkingDir)
	}
	seen := make(map[string]struct{}, len(c.Volumes))
	for _, v := range c.Volumes {
		if v.Name == "" || !path.IsAbs(v.MountPath) {
			return types.BadRequest("volume %q needs a name and an absolute mount_path", v.Name)
		}
		if _, dup := seen[v.Name]; dup {
			return types.BadRequest("volume %q declared twice", v.Name)
		}
		seen[v.Name] = struct{}{}
	}
	return nil
}

// ResolvedImage 返回 compose 指定的镜像，未指定时回退到框架默认镜像。
func (c *Content) ResolvedImage() string {
	if c.Image != "" {
		return c.Image
	}
	return frameworks[c.Framework].defaultImage
}

// Marshal 返回规范化 JSON（map 键按字典序）。
func (c *Content) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// VersionID 计算内容寻址的版本 ID：规范化 JSON 的 BLAKE3 十六进制摘要。
// 相同内容总是得到相同 ID，用于版本去重。
func VersionID(c *Content) (string, error) {
	data, err := c.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal compose: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
