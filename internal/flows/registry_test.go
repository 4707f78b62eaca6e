package flows

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	aferrors "agentflow/internal/errors"
)

const (
	researchID = "3f2a6c1e-8b4d-4f7a-9c2e-1d5b6a7c8e9f"
	writerID   = "7c1d2e3f-4a5b-4c6d-8e9f-0a1b2c3d4e5f"
)

const sampleFlows = `
flows:
  - id: 3F2A6C1E-8B4D-4F7A-9C2E-1D5B6A7C8E9F
    name: research
    strategy: react
    maxIterations: 6
    handleParsingErrors: "Check your output and try again."
    moderation:
      denylist: |
        ignore previous instructions
        reveal the system prompt
      useModel: true
    tools:
      - type: flow
        name: writer
        flowId: 7c1d2e3f-4a5b-4c6d-8e9f-0a1b2c3d4e5f
        baseURL: http://localhost:3000
        startNewSession: true
        returnDirect: true
  - id: 7c1d2e3f-4a5b-4c6d-8e9f-0a1b2c3d4e5f
    name: writer
    strategy: autogpt
    handleParsingErrors: true
    autogpt:
      aiName: Tom
      aiRole: a writer
      memory: true
    tools:
      - type: write_file
      - type: read_file
`

func TestParseFlows(t *testing.T) {
	reg, err := Parse([]byte(sampleFlows))
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	research, err := reg.Get(researchID)
	require.NoError(t, err)
	assert.Equal(t, researchID, research.ID)
	assert.Equal(t, StrategyReAct, research.Strategy)
	assert.Equal(t, 6, research.MaxIterations)
	assert.Equal(t, ParsingErrors{Enabled: true, Message: "Check your output and try again."}, research.HandleParsingErrors)
	assert.True(t, research.Moderation.Enabled())
	require.Len(t, research.Tools, 1)
	assert.Equal(t, writerID, research.Tools[0].FlowID)
	assert.True(t, research.Tools[0].ReturnDirect)

	writer, err := reg.Get(writerID)
	require.NoError(t, err)
	assert.Equal(t, ParsingErrors{Enabled: true}, writer.HandleParsingErrors)
	assert.Equal(t, "Tom", writer.AutoGPT.AIName)
	assert.False(t, writer.Moderation.Enabled())

	names := []string{}
	for _, f := range reg.List() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"research", "writer"}, names)
}

func TestParsingErrorsYAML(t *testing.T) {
	tests := []struct {
		in   string
		want ParsingErrors
	}{
		{"v: true", ParsingErrors{Enabled: true}},
		{"v: false", ParsingErrors{}},
		{"v: try again", ParsingErrors{Enabled: true, Message: "try again"}},
		{`v: "  "`, ParsingErrors{}},
		{"v: ~", ParsingErrors{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var out struct {
				V ParsingErrors `yaml:"v"`
			}
			require.NoError(t, yaml.Unmarshal([]byte(tt.in), &out))
			assert.Equal(t, tt.want, out.V)
		})
	}

	var bad struct {
		V ParsingErrors `yaml:"v"`
	}
	assert.Error(t, yaml.Unmarshal([]byte("v: [1, 2]"), &bad))
}

func TestValidateRejects(t *testing.T) {
	base := Flow{ID: researchID, Strategy: StrategyReAct}
	tests := []struct {
		name string
		edit func(*Flow)
		kind aferrors.ValidationKind
	}{
		{"bad id", func(f *Flow) { f.ID = "../../etc" }, aferrors.ValidationInvalidFormat},
		{"unknown strategy", func(f *Flow) { f.Strategy = "babyagi" }, aferrors.ValidationInvalidFormat},
		{"negative iterations", func(f *Flow) { f.MaxIterations = -1 }, aferrors.ValidationInvalidFormat},
		{"self call", func(f *Flow) {
			f.Tools = []Tool{{Type: ToolFlow, FlowID: researchID, BaseURL: "http://localhost:3000"}}
		}, aferrors.ValidationOutOfScope},
		{"bad base url", func(f *Flow) {
			f.Tools = []Tool{{Type: ToolFlow, FlowID: writerID, BaseURL: "file:///etc/passwd"}}
		}, aferrors.ValidationInvalidFormat},
		{"unknown tool", func(f *Flow) { f.Tools = []Tool{{Type: "shell"}} }, aferrors.ValidationInvalidFormat},
		{"duplicate names", func(f *Flow) {
			f.Tools = []Tool{{Type: ToolReadFile, Name: "files"}, {Type: ToolWriteFile, Name: "FILES"}}
		}, aferrors.ValidationInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			tt.edit(&f)
			err := Validate(f)
			var verr *aferrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.kind, verr.Kind)
		})
	}
	assert.NoError(t, Validate(base))
}

func TestRegistryDefaultsStrategy(t *testing.T) {
	reg, err := NewRegistry(Flow{ID: researchID})
	require.NoError(t, err)
	f, err := reg.Get(researchID)
	require.NoError(t, err)
	assert.Equal(t, StrategyToolCalling, f.Strategy)
}

func TestGetUnknownAndMalformed(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	_, err = reg.Get(writerID)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = reg.Get("not-a-uuid")
	assert.True(t, aferrors.IsValidation(err))
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("flows:\n  - id: " + researchID + "\n    strategey: react\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	reg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())

	path := filepath.Join(dir, "flows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFlows), 0o600))
	reg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
}
