package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/promptcluster/internal/config"
	"github.com/thebtf/promptcluster/internal/db/gorm"
	"github.com/thebtf/promptcluster/internal/embedding"
	"github.com/thebtf/promptcluster/pkg/models"
)

const sampleCSV = "user_id,prompt,timestamp\n" +
	"alice,a cat sleeping on a red sofa,2024-05-01 10:00:00\n" +
	"alice,explain how goroutines are scheduled,2024-05-01 10:05:00\n" +
	"alice,a cat sleeping on a red sofa,2024-05-01 10:10:00\n" +
	"bob,write a haiku about autumn rain,2024-05-02 09:00:00\n"

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "promptcluster-cli")
	if err != nil {
		panic(err)
	}
	_ = os.Setenv(config.KeyDataDir, dir)
	_ = os.Unsetenv(config.KeyEmbeddingModel)

	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).Run(context.Background(), append([]string{"promptcluster", "--log-level", "error"}, args...))
	return stdout.String(), err
}

func TestAnalyze_AllUsersJSON(t *testing.T) {
	path := writeSample(t)

	out, err := run(t, "analyze", "--model", embedding.HashModelVersion, "--min-prompts", "2", "--threshold", "0.99", path)
	require.NoError(t, err)

	var summary models.AnalysisSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.TotalUsers)
	assert.Equal(t, 1, summary.SkippedUsers, "bob has a single prompt")
	assert.Equal(t, 2, summary.MinPrompts)
	require.Len(t, summary.Results, 1)

	result := summary.Results[0]
	assert.Equal(t, "alice", result.UserID)
	assert.Equal(t, embedding.HashModelVersion, result.ModelVersion)
	assert.InDelta(t, 0.99, result.Threshold, 1e-12)
	require.Len(t, result.IdenticalPairs, 1)
	assert.Equal(t, 0, result.IdenticalPairs[0].FirstIndex)
	assert.Equal(t, 2, result.IdenticalPairs[0].SecondIndex)
	assert.Equal(t, 3, result.Stats.PromptCount)
}

func TestAnalyze_SingleUserYAML(t *testing.T) {
	path := writeSample(t)

	out, err := run(t, "analyze", "--model", embedding.HashModelVersion, "--user", "alice", "--format", "yaml", path)
	require.NoError(t, err)

	var result models.AnalysisResult
	require.NoError(t, yaml.Unmarshal([]byte(out), &result))
	assert.Equal(t, "alice", result.UserID)
	assert.Equal(t, 3, result.Stats.PromptCount)
	assert.NotEmpty(t, result.Clusters)
	assert.Contains(t, out, "identical_pairs:")
}

func TestAnalyze_Errors(t *testing.T) {
	path := writeSample(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown user", []string{"analyze", "--user", "carol", path}, `user "carol"`},
		{"bad format", []string{"analyze", "--format", "xml", path}, "unsupported format"},
		{"bad threshold", []string{"analyze", "--threshold", "1.5", path}, "threshold must be in (0, 1]"},
		{"negative threshold", []string{"analyze", "--threshold=-0.2", path}, "threshold must be in (0, 1]"},
		{"unknown model", []string{"analyze", "--model", "no-such-model", path}, "no-such-model"},
		{"missing file", []string{"analyze", filepath.Join(t.TempDir(), "absent.csv")}, "absent.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUsers(t *testing.T) {
	path := writeSample(t)

	out, err := run(t, "users", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"USER", "PROMPTS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"alice", "3"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"bob", "1"}, strings.Fields(lines[2]))

	out, err = run(t, "users", "--min-prompts", "2", "--format", "json", path)
	require.NoError(t, err)
	var users []gorm.UserCount
	require.NoError(t, json.Unmarshal([]byte(out), &users))
	assert.Equal(t, []gorm.UserCount{{UserID: "alice", PromptCount: 3}}, users)
}

func TestImport(t *testing.T) {
	path := writeSample(t)
	dbPath := filepath.Join(t.TempDir(), "data", "prompts.db")

	out, err := run(t, "import", "--db", dbPath, path)
	require.NoError(t, err)
	assert.Equal(t, "imported 4 prompts for 2 users (4 rows, 0 skipped)\n", out)

	_, err = run(t, "import", "--db", dbPath, "--replace", path)
	require.NoError(t, err)

	store, err := gorm.NewStore(gorm.Config{Path: dbPath})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	total, err := gorm.NewPromptStore(store).CountPrompts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), total, "replace drops the previous import")
}

func TestModels(t *testing.T) {
	out, err := run(t, "models")
	require.NoError(t, err)
	assert.Contains(t, out, embedding.HashModelVersion)

	out, err = run(t, "models", "--format", "yaml")
	require.NoError(t, err)
	var list []embedding.ModelMetadata
	require.NoError(t, yaml.Unmarshal([]byte(out), &list))
	assert.NotEmpty(t, list)
}

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, setupLogging(&buf, "DEBUG", "json"))
	require.NoError(t, setupLogging(&buf, "info", "console"))
	assert.Error(t, setupLogging(&buf, "loud", "console"))
	assert.Error(t, setupLogging(&buf, "info", "xml"))
}
