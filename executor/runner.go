package executor

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/BaSui01/agentrun/archive"
)

//go:embed runner/*.sh
var runnerFS embed.FS

const (
	// RunnerDir 运行脚本在沙箱内的解压目录。
	RunnerDir = "/opt/agentrun"
	// RunnerTarPath 上传的脚本包路径。
	RunnerTarPath = "/tmp/agentrun-runner.tar"
)

// RunnerBundle 把内嵌的运行脚本打成 tar 包。
func RunnerBundle() ([]byte, error) {
	entries, err := fs.ReadDir(runnerFS, "runner")
	if err != nil {
		return nil, fmt.Errorf("read runner scripts: %w", err)
	}
	files := make([]archive.File, 0, len(entries))
	for _, e := range entries {
		data, err := runnerFS.ReadFile("runner/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		files = append(files, archive.File{Path: e.Name(), Content: data, Mode: 0o755})
	}
	return archive.BuildTar(files)
}
