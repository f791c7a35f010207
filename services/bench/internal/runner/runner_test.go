package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecSuccess(t *testing.T) {
	out := Exec{}.Run(context.Background(), Request{
		Stage:   "formatted",
		Command: []string{"sh", "-c", "echo ok; echo warn >&2"},
		Timeout: 5 * time.Second,
	})

	assert.True(t, out.Success)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 0, *out.ExitCode)
	assert.Equal(t, "ok\n", out.Stdout)
	assert.Equal(t, "warn\n", out.Stderr)
	assert.False(t, out.TimedOut)
	assert.Empty(t, out.Err)
	assert.False(t, out.FinishedAt.Before(out.StartedAt))
}

func TestExecNonZeroExit(t *testing.T) {
	out := Exec{}.Run(context.Background(), Request{
		Stage:   "validated",
		Command: []string{"sh", "-c", "exit 3"},
		Timeout: 5 * time.Second,
	})

	assert.False(t, out.Success)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 3, *out.ExitCode)
	assert.False(t, out.TimedOut)
	assert.Contains(t, out.Err, "exit status 3")
}

func TestExecTimeout(t *testing.T) {
	start := time.Now()
	out := Exec{}.Run(context.Background(), Request{
		Stage:   "applied",
		Command: []string{"sleep", "30"},
		Timeout: 100 * time.Millisecond,
	})

	assert.True(t, out.TimedOut)
	assert.False(t, out.Success)
	assert.Nil(t, out.ExitCode)
	assert.Contains(t, out.Err, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecSpawnFailure(t *testing.T) {
	out := Exec{}.Run(context.Background(), Request{
		Stage:   "initialized",
		Command: []string{"/nonexistent/terraform", "init"},
		Timeout: time.Second,
	})

	assert.False(t, out.Success)
	assert.Nil(t, out.ExitCode)
	assert.False(t, out.TimedOut)
	assert.NotEmpty(t, out.Err)
}

func TestExecEnvOverride(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "real-secret")

	out := Exec{}.Run(context.Background(), Request{
		Stage:   "planned",
		Command: []string{"sh", "-c", "echo $AWS_ACCESS_KEY_ID $TF_INPUT"},
		Env:     StageEnv("us-east-1"),
		Timeout: 5 * time.Second,
	})

	require.True(t, out.Success)
	assert.Equal(t, "test 0\n", out.Stdout)
}

func TestTruncate(t *testing.T) {
	small := strings.Repeat("a", CaptureLimit)
	assert.Equal(t, small, Truncate(small))

	big := strings.Repeat("b", CaptureLimit+100)
	got := Truncate(big)
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
	assert.Len(t, got, CaptureLimit+len(TruncationMarker))
}

func TestStageEnv(t *testing.T) {
	env := StageEnv("")
	assert.Equal(t, "test", env["AWS_ACCESS_KEY_ID"])
	assert.Equal(t, "test", env["AWS_SECRET_ACCESS_KEY"])
	assert.Equal(t, "us-east-1", env["AWS_DEFAULT_REGION"])
	assert.Equal(t, "us-east-1", env["AWS_REGION"])
	assert.Equal(t, "1", env["TF_IN_AUTOMATION"])
	assert.Equal(t, "0", env["TF_INPUT"])
	assert.Equal(t, "1", env["CHECKPOINT_DISABLE"])

	env = StageEnv("eu-west-1")
	assert.Equal(t, "eu-west-1", env["AWS_REGION"])
}
