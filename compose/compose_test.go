package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentrun/types"
)

func validContent() *Content {
	return &Content{
		Name:       "reviewer",
		Framework:  FrameworkClaudeCode,
		WorkingDir: "/home/user/app",
		Environment: map[string]string{
			"REPO":  "${{ vars.repo }}",
			"TOKEN": "${{secrets.GH_TOKEN}}",
		},
		Volumes: []VolumeMount{{Name: "cache", MountPath: "/home/user/cache", Optional: true}},
	}
}

func TestContent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Content)
		wantErr bool
	}{
		{"valid", func(*Content) {}, false},
		{"missing name", func(c *Content) { c.Name = " " }, true},
		{"unknown framework", func(c *Content) { c.Framework = "gemini" }, true},
		{"relative working dir", func(c *Content) { c.WorkingDir = "app" }, true},
		{"duplicate volume", func(c *Content) { c.Volumes = append(c.Volumes, c.Volumes[0]) }, true},
		{"relative mount", func(c *Content) { c.Volumes[0].MountPath = "cache" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validContent()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.True(t, types.IsCode(err, types.ErrBadRequest))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVersionID_ContentAddressed(t *testing.T) {
	a, err := VersionID(validContent())
	require.NoError(t, err)
	b, err := VersionID(validContent())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	changed := validContent()
	changed.Image = "custom:1"
	c, err := VersionID(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestParse_RoundTrip(t *testing.T) {
	data, err := validContent().Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, validContent(), parsed)

	_, err = Parse([]byte("{"))
	assert.True(t, types.IsCode(err, types.ErrBadRequest))
}

func TestResolvedImage_FallsBackToFramework(t *testing.T) {
	c := validContent()
	assert.Equal(t, "agentrun/claude-code:latest", c.ResolvedImage())
	c.Image = "mine:2"
	assert.Equal(t, "mine:2", c.ResolvedImage())
}

func TestFramework_SessionHistoryPath(t *testing.T) {
	p, err := FrameworkClaudeCode.SessionHistoryPath("/home/user/app", "abc")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/.claude/projects/-home-user-app/abc.jsonl", p)

	p, err = FrameworkCodex.SessionHistoryPath("/home/user/app", "abc")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/.codex/sessions/abc.jsonl", p)

	_, err = FrameworkClaudeCode.SessionHistoryPath("/w", "../etc")
	assert.Error(t, err)
	_, err = Framework("other").SessionHistoryPath("/w", "abc")
	assert.Error(t, err)

	assert.True(t, FrameworkClaudeCode.SupportsManagedProviders())
	assert.False(t, FrameworkCodex.SupportsManagedProviders())
}

func TestExtractReferences_GroupsBySource(t *testing.T) {
	refs := ExtractReferences(map[string]string{
		"A": "${{ vars.region }}-${{vars.stage}}",
		"B": "Bearer ${{   secrets.API_KEY   }}",
		"C": "${{ credentials.AWS_KEY }}:${{ credentials.AWS_KEY }}",
		"D": "plain ${{ other.thing }} $credential",
	})
	assert.Equal(t, []string{"region", "stage"}, refs.Vars)
	assert.Equal(t, []string{"API_KEY"}, refs.Secrets)
	assert.Equal(t, []string{"AWS_KEY"}, refs.Credentials)
	assert.False(t, refs.Empty())
	assert.True(t, ExtractReferences(map[string]string{"X": "y"}).Empty())
}

func TestExpand(t *testing.T) {
	env := map[string]string{
		"URL":   "https://${{ vars.host }}/v1",
		"TOKEN": "${{ secrets.TOKEN }}",
		"KEY":   "${{credentials.KEY}}",
		"RAW":   "no placeholders",
	}
	out, err := Expand(env, Values{
		Vars:        map[string]string{"host": "api.example.com"},
		Secrets:     map[string]string{"TOKEN": "t0k"},
		Credentials: map[string]string{"KEY": "k"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"URL":   "https://api.example.com/v1",
		"TOKEN": "t0k",
		"KEY":   "k",
		"RAW":   "no placeholders",
	}, out)
}

func TestExpand_MissingReferencesFail(t *testing.T) {
	_, err := Expand(map[string]string{
		"A": "${{ vars.a }}",
		"B": "${{ secrets.b }}",
	}, Values{Vars: map[string]string{}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBadRequest))
	assert.Contains(t, err.Error(), "secrets.b")
	assert.Contains(t, err.Error(), "vars.a")
}

func TestExpand_NoPlaceholderSurvives(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z_][A-Za-z0-9_]{0,8}`).Draw(rt, "name")
		value := rapid.StringMatching(`[a-z0-9 ]{0,12}`).Draw(rt, "value")
		prefix := rapid.StringMatching(`[a-z:/]{0,6}`).Draw(rt, "prefix")

		out, err := Expand(map[string]string{"K": prefix + "${{ vars." + name + " }}"},
			Values{Vars: map[string]string{name: value}})
		require.NoError(t, err)
		assert.Equal(t, prefix+value, out["K"])
		assert.True(t, ExtractReferences(out).Empty())
	})
}
