package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTriggerReconcileRejectsUnknownOperation(t *testing.T) {
	cli, err := NewJobsCLI("127.0.0.1:6379")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	_, err = cli.TriggerReconcile(context.Background(), "defragment", 1, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported operation")
}

func TestTriggerReconcileRequiresClient(t *testing.T) {
	var cli *JobsCLI
	_, err := cli.TriggerReconcile(context.Background(), "recalculate", 1, false)
	require.Error(t, err)
}
