package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	_ "github.com/formula-pm/formula-pm/testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPolicyLintDefault(t *testing.T) {
	out, err := run(t, "policy", "lint")
	require.NoError(t, err)
	require.Contains(t, out, "policy ok: 8 resource types, 5 workflows")
}

func TestPolicyLintRejectsIncompleteTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := "resources:\n  project:\n    read: [admin]\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := run(t, "policy", "lint", "--file", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "has no rule")

	_, err = run(t, "policy", "lint", "--file", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read policy")
}

func TestPolicyCheck(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"assigned pm reads scope", []string{"--role", "project_manager", "--action", "read", "--type", "scope_item", "--assigned"}, "allowed"},
		{"unassigned pm", []string{"--role", "project_manager", "--action", "read", "--type", "scope_item"}, "denied: not_assigned"},
		{"client cost data", []string{"--role", "client", "--action", "read", "--type", "scope-item", "--assigned", "--cost"}, "denied: external_cost"},
		{"regular purchaser approve", []string{"--role", "purchase_manager", "--action", "approve", "--type", "purchase_request"}, "denied: role_not_granted"},
		{"senior purchaser approve", []string{"--role", "purchase_manager", "--seniority", "senior", "--action", "approve", "--type", "purchase_request"}, "allowed"},
		{"own drawing delete", []string{"--role", "technical_lead", "--action", "delete", "--type", "shop_drawing", "--owner"}, "allowed"},
		{"foreign drawing delete", []string{"--role", "technical_lead", "--action", "delete", "--type", "shop_drawing"}, "denied: not_owner"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := run(t, append([]string{"policy", "check"}, tc.args...)...)
			require.NoError(t, err)
			require.Equal(t, tc.want, strings.TrimSpace(out))
		})
	}
}

func TestPolicyCheckRejectsBadInput(t *testing.T) {
	_, err := run(t, "policy", "check", "--role", "intern", "--action", "read", "--type", "project")
	require.ErrorContains(t, err, "unknown role")

	_, err = run(t, "policy", "check", "--role", "admin", "--action", "view_cost", "--type", "milestone")
	require.ErrorContains(t, err, "no rule")

	_, err = run(t, "policy", "check", "--role", "admin")
	require.Error(t, err)
}

func TestServeSkipsInTestMode(t *testing.T) {
	_, err := run(t, "serve")
	require.NoError(t, err)
}

type fakeInspector struct {
	info    *asynq.QueueInfo
	retries []*asynq.TaskInfo
	err     error
	closed  bool
}

func (f *fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func (f *fakeInspector) ListRetryTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return f.retries, f.err
}

func (f *fakeInspector) Close() error {
	f.closed = true
	return nil
}

func TestJobsCLIInspectQueue(t *testing.T) {
	inspector := &fakeInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 3, Retry: 1}}
	c := &JobsCLI{inspector: inspector}

	stats, err := c.InspectQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: "default", Pending: 3, Retry: 1}, stats)

	cmd := newJobsStatsCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	require.NoError(t, writeStats(cmd, stats))
	require.Contains(t, out.String(), "PENDING")

	require.NoError(t, c.Close())
	require.True(t, inspector.closed)

	inspector.err = errors.New("redis down")
	_, err = c.InspectQueue(context.Background())
	require.Error(t, err)
	_, err = c.ListRetries(context.Background(), 0)
	require.Error(t, err)

	var nilCLI *JobsCLI
	_, err = nilCLI.InspectQueue(context.Background())
	require.ErrorContains(t, err, "not configured")
}
