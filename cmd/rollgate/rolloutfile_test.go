package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRolloutFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRolloutFile(t *testing.T) {
	t.Parallel()

	t.Run("yaml file", func(t *testing.T) {
		t.Parallel()
		path := writeRolloutFile(t, "rollout.yaml", `
targetVersionRef: "web:2.1.0"
strategy: canary-10-5m
backend:
  type: task-fleet
  options:
    cluster: prod
    service: web
slo:
  availabilityTargetPercent: 99.5
  latencyThresholdMillis: 250
healthEndpoints:
  - path: /healthz
    criticality: critical
metadata:
  ticket: DEPLOY-42
`)

		doc, err := loadRolloutFile(path)
		require.NoError(t, err)

		submission, err := decodeSubmission(doc)
		require.NoError(t, err)
		assert.Equal(t, "web:2.1.0", submission.TargetVersionRef)
		assert.Equal(t, "canary-10-5m", submission.Strategy)
		assert.Equal(t, "task-fleet", submission.Backend.Type)
		assert.Equal(t, "prod", submission.Backend.Options["cluster"])
		require.NotNil(t, submission.SLO)
		assert.InDelta(t, 99.5, submission.SLO.AvailabilityTargetPercent, 0.001)
		assert.Equal(t, int64(250), submission.SLO.LatencyThresholdMillis)
		require.Len(t, submission.HealthEndpoints, 1)
		assert.Equal(t, "/healthz", submission.HealthEndpoints[0].Path)
		assert.Equal(t, "critical", submission.HealthEndpoints[0].Criticality)
		assert.Equal(t, "DEPLOY-42", submission.Metadata["ticket"])
	})

	t.Run("json file", func(t *testing.T) {
		t.Parallel()
		path := writeRolloutFile(t, "rollout.json", `{
  "targetVersionRef": "web:2.1.0",
  "strategy": "linear-10-1m",
  "backend": {"type": "asg", "options": {"name": "web-asg"}}
}`)

		doc, err := loadRolloutFile(path)
		require.NoError(t, err)

		submission, err := decodeSubmission(doc)
		require.NoError(t, err)
		assert.Equal(t, "linear-10-1m", submission.Strategy)
		assert.Equal(t, "asg", submission.Backend.Type)
		assert.Equal(t, "web-asg", submission.Backend.Options["name"])
	})

	t.Run("toml file", func(t *testing.T) {
		t.Parallel()
		path := writeRolloutFile(t, "rollout.toml", `
targetVersionRef = "web:2.1.0"
strategy = "all-at-once"

[backend]
type = "process"

[backend.options]
command = "/usr/bin/web"
`)

		doc, err := loadRolloutFile(path)
		require.NoError(t, err)

		submission, err := decodeSubmission(doc)
		require.NoError(t, err)
		assert.Equal(t, "all-at-once", submission.Strategy)
		assert.Equal(t, "process", submission.Backend.Type)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		t.Parallel()
		path := writeRolloutFile(t, "rollout.txt", "targetVersionRef: web:2.1.0")

		_, err := loadRolloutFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported rollout file type")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := loadRolloutFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})
}

func TestDecodeSubmissionValidation(t *testing.T) {
	t.Parallel()

	base := func() map[string]interface{} {
		return map[string]interface{}{
			"targetVersionRef": "web:2.1.0",
			"strategy":         "all-at-once",
			"backend": map[string]interface{}{
				"type": "task-fleet",
			},
		}
	}

	t.Run("valid minimal submission", func(t *testing.T) {
		t.Parallel()
		submission, err := decodeSubmission(base())
		require.NoError(t, err)
		assert.Equal(t, "web:2.1.0", submission.TargetVersionRef)
	})

	t.Run("missing target version ref", func(t *testing.T) {
		t.Parallel()
		doc := base()
		delete(doc, "targetVersionRef")

		_, err := decodeSubmission(doc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "targetVersionRef")
	})

	t.Run("missing strategy", func(t *testing.T) {
		t.Parallel()
		doc := base()
		delete(doc, "strategy")

		_, err := decodeSubmission(doc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "strategy")
	})

	t.Run("unknown strategy lists supported names", func(t *testing.T) {
		t.Parallel()
		doc := base()
		doc["strategy"] = "big-bang"

		_, err := decodeSubmission(doc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown strategy "big-bang"`)
		assert.Contains(t, err.Error(), "all-at-once")
		assert.Contains(t, err.Error(), "canary-10-15m")
	})

	t.Run("missing backend type", func(t *testing.T) {
		t.Parallel()
		doc := base()
		doc["backend"] = map[string]interface{}{}

		_, err := decodeSubmission(doc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend.type")
	})
}
