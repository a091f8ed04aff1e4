package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type entry struct {
	hdr  *tar.Header
	body string
}

func readAll(t require.TestingT, data []byte) map[string]entry {
	out := map[string]entry{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = entry{hdr: hdr, body: string(body)}
	}
	return out
}

func TestBuildTar_ReadableByStandardReader(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	data, err := BuildTar([]File{
		{Path: "run-agent.sh", Content: []byte("#!/bin/sh\necho hi\n"), Mode: 0o755, ModTime: mtime},
		{Path: "lib/common.sh", Content: []byte("x=1\n"), ModTime: mtime},
		{Path: "empty", Content: nil, ModTime: mtime},
	})
	require.NoError(t, err)
	assert.Zero(t, len(data)%blockSize)

	entries := readAll(t, data)
	require.Len(t, entries, 3)

	run := entries["run-agent.sh"]
	assert.Equal(t, int64(0o755), run.hdr.Mode)
	assert.Equal(t, "#!/bin/sh\necho hi\n", run.body)
	assert.Equal(t, byte(tar.TypeReg), run.hdr.Typeflag)
	assert.Equal(t, mtime.Unix(), run.hdr.ModTime.Unix())
	assert.Equal(t, "root", run.hdr.Uname)

	assert.Equal(t, int64(0o644), entries["lib/common.sh"].hdr.Mode)
	assert.Equal(t, "", entries["empty"].body)
}

func TestBuildTar_LongPathUsesPrefix(t *testing.T) {
	dir := strings.Repeat("d", 80)
	p := dir + "/" + strings.Repeat("f", 60) + ".sh"
	data, err := BuildTar([]File{{Path: p, Content: []byte("x")}})
	require.NoError(t, err)
	entries := readAll(t, data)
	_, ok := entries[p]
	assert.True(t, ok)

	_, err = BuildTar([]File{{Path: strings.Repeat("x", 300)}})
	assert.Error(t, err)
	_, err = BuildTar([]File{{Path: ""}})
	assert.Error(t, err)
}

func TestBuildTar_EmptyArchive(t *testing.T) {
	data, err := BuildTar(nil)
	require.NoError(t, err)
	assert.Len(t, data, 2*blockSize)
	assert.Empty(t, readAll(t, data))
}

func TestBuildTar_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(rt, "files")
		files := make([]File, 0, n)
		want := map[string]string{}
		for i := 0; i < n; i++ {
			name := rapid.StringMatching(`[a-z]{1,20}(/[a-z]{1,20})?\.sh`).Draw(rt, "name")
			if _, dup := want[name]; dup {
				continue
			}
			body := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(rt, "body")
			files = append(files, File{Path: name, Content: body})
			want[name] = string(body)
		}

		data, err := BuildTar(files)
		require.NoError(rt, err)

		got := readAll(rt, data)
		require.Len(rt, got, len(want))
		for name, body := range want {
			assert.Equal(rt, body, got[name].body)
		}
	})
}
