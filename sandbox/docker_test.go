package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type dockerCall struct {
	args  []string
	env   []string
	stdin string
}

type fakeDocker struct {
	mu    sync.Mutex
	calls []dockerCall
	reply func(args []string) (string, string, int, error)
}

func (f *fakeDocker) run(_ context.Context, stdin io.Reader, env []string, args ...string) (string, string, int, error) {
	c := dockerCall{args: args, env: env}
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		c.stdin = string(b)
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(args)
	}
	return "", "", 0, nil
}

func newFakeDockerProvider(t *testing.T, f *fakeDocker) *DockerProvider {
	p := NewDockerProvider(DockerConfig{Network: "bridge"}, zaptest.NewLogger(t))
	p.run = f.run
	return p
}

func TestDockerProvider_CreatePassesEnvOutOfBand(t *testing.T) {
	f := &fakeDocker{reply: func(args []string) (string, string, int, error) {
		return "abc123\n", "", 0, nil
	}}
	p := newFakeDockerProvider(t, f)

	h, err := p.Create(context.Background(), CreateOptions{
		Image:    "agentrun/claude-code:latest",
		Env:      map[string]string{"SECRET": "s3cr3t\nline2", "A": "1"},
		Timeout:  90 * time.Second,
		Metadata: map[string]string{"run_id": "r1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", h.ID())

	require.Len(t, f.calls, 1)
	call := f.calls[0]
	joined := strings.Join(call.args, " ")
	assert.Contains(t, joined, "run -d")
	assert.Contains(t, joined, "--network bridge")
	assert.Contains(t, joined, "--label agentrun.run_id=r1")
	assert.Contains(t, joined, "-e A -e SECRET")
	assert.NotContains(t, joined, "s3cr3t")
	assert.Equal(t, []string{"agentrun/claude-code:latest", "90"}, call.args[len(call.args)-2:])
	assert.ElementsMatch(t, []string{"A=1", "SECRET=s3cr3t\nline2"}, call.env)
}

func TestDockerProvider_CreateFailure(t *testing.T) {
	f := &fakeDocker{reply: func([]string) (string, string, int, error) {
		return "", "pull access denied", 125, nil
	}}
	_, err := newFakeDockerProvider(t, f).Create(context.Background(), CreateOptions{Image: "x"})
	require.Error(t, err)
	stderr, ok := StderrOf(err)
	assert.True(t, ok)
	assert.Equal(t, "pull access denied", stderr)

	_, err = newFakeDockerProvider(t, &fakeDocker{}).Create(context.Background(), CreateOptions{})
	assert.Error(t, err)
}

func TestDockerHandle_Operations(t *testing.T) {
	f := &fakeDocker{reply: func(args []string) (string, string, int, error) {
		if args[0] == "exec" && args[len(args)-1] == "exit 3" {
			return "", "boom", 3, nil
		}
		return "ok", "", 0, nil
	}}
	p := newFakeDockerProvider(t, f)
	h, err := p.Connect(context.Background(), "c1")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.WriteFile(ctx, "/tmp/a/b.txt", []byte("data")))
	res, err := h.RunCommand(ctx, "echo ok", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	_, err = RunChecked(ctx, h, "exit 3", time.Second)
	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.ExitCode)

	require.NoError(t, h.StartDetached(ctx, "/opt/agentrun/run-agent.sh", "/tmp/run.log"))
	require.NoError(t, h.Kill(ctx))

	write := f.calls[1]
	assert.Equal(t, "data", write.stdin)
	assert.Equal(t, "/tmp/a/b.txt", write.args[len(write.args)-1])

	detached := f.calls[len(f.calls)-2]
	assert.Equal(t, []string{"exec", "-d", "c1", "sh", "-c"}, detached.args[:5])
	assert.Equal(t, "nohup /opt/agentrun/run-agent.sh > '/tmp/run.log' 2>&1 &", detached.args[5])

	assert.Equal(t, []string{"rm", "-f", "c1"}, f.calls[len(f.calls)-1].args)
}

func TestDockerProvider_ConnectMissing(t *testing.T) {
	f := &fakeDocker{reply: func([]string) (string, string, int, error) {
		return "", "Error: No such container: gone", 1, nil
	}}
	p := newFakeDockerProvider(t, f)
	_, err := p.Connect(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	h := &dockerHandle{p: p, id: "gone"}
	assert.NoError(t, h.Kill(context.Background()))
}
