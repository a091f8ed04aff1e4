// Package archive 构建上传到沙箱的 runner 脚本 tar 包。
package archive

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

const (
	blockSize  = 512
	nameLen    = 100
	prefixLen  = 155
	maxSizeOct = 077777777777 // 11 位八进制
)

// File 待打包的单个文件。
type File struct {
	Path    string
	Content []byte
	// Mode 为 0 时使用 0644。
	Mode    int64
	ModTime time.Time
}

// BuildTar 生成 POSIX ustar 格式的 tar 包：每个文件一个 512 字节头部，
// 内容按 512 字节补齐，末尾两个全零块。
func BuildTar(files []File) ([]byte, error) {
	var buf bytes.Buffer
	now := time.Now()
	for _, f := range files {
		if f.ModTime.IsZero() {
			f.ModTime = now
		}
		hdr, err := header(f)
		if err != nil {
			return nil, err
		}
		buf.Write(hdr)
		buf.Write(f.Content)
		if pad := len(f.Content) % blockSize; pad != 0 {
			buf.Write(make([]byte, blockSize-pad))
		}
	}
	buf.Write(make([]byte, 2*blockSize))
	return buf.Bytes(), nil
}

func header(f File) ([]byte, error) {
	name, prefix, err := splitPath(strings.TrimPrefix(f.Path, "/"))
	if err != nil {
		return nil, err
	}
	if int64(len(f.Content)) > maxSizeOct {
		return nil, fmt.Errorf("archive: %s exceeds ustar size limit", f.Path)
	}
	mode := f.Mode
	if mode == 0 {
		mode = 0o644
	}

	h := make([]byte, blockSize)
	copy(h[0:100], name)
	putOctal(h[100:108], mode)
	putOctal(h[108:116], 0)
	putOctal(h[116:124], 0)
	putOctal(h[124:136], int64(len(f.Content)))
	putOctal(h[136:148], f.ModTime.Unix())
	h[156] = '0'
	copy(h[257:263], "ustar\x00")
	copy(h[263:265], "00")
	copy(h[265:297], "root")
	copy(h[297:329], "root")
	putOctal(h[329:337], 0)
	putOctal(h[337:345], 0)
	copy(h[345:500], prefix)

	// 校验和按校验和字段全为空格计算
	copy(h[148:156], "        ")
	var sum int64
	for _, b := range h {
		sum += int64(b)
	}
	copy(h[148:156], fmt.Sprintf("%06o\x00 ", sum))
	return h, nil
}

// splitPath 超过 100 字节的路径在 "/" 处拆成 prefix 与 name。
func splitPath(p string) (name, prefix string, err error) {
	if p == "" {
		return "", "", fmt.Errorf("archive: empty path")
	}
	if len(p) <= nameLen {
		return p, "", nil
	}
	for i := len(p) - 1; i > 0; i-- {
		if p[i] != '/' {
			continue
		}
		if len(p)-i-1 <= nameLen && i <= prefixLen {
			return p[i+1:], p[:i], nil
		}
	}
	return "", "", fmt.Errorf("archive: path too long for ustar: %s", p)
}

// putOctal 写入以 NUL 结尾、左侧补零的八进制数。
func putOctal(dst []byte, v int64) {
	s := fmt.Sprintf("%0*o", len(dst)-1, v)
	copy(dst, s)
	dst[len(dst)-1] = 0
}
