package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klipperfleet/klipperfleet-go/internal/taskstore"
)

func TestActionPredicates(t *testing.T) {
	require.True(t, ActionBuild.hasBuild())
	require.False(t, ActionBuild.hasFlash())

	require.True(t, ActionFlashReady.hasFlash())
	require.False(t, ActionFlashReady.hasBuild())
	require.True(t, ActionFlashReady.onlyReady())

	require.True(t, ActionFlashAll.hasFlash())
	require.False(t, ActionFlashAll.onlyReady())

	require.True(t, ActionBuildFlashReady.hasBuild())
	require.True(t, ActionBuildFlashReady.hasFlash())
	require.True(t, ActionBuildFlashReady.onlyReady())

	require.True(t, ActionBuildFlashAll.hasBuild())
	require.True(t, ActionBuildFlashAll.hasFlash())
	require.False(t, ActionBuildFlashAll.onlyReady())
}

func TestWriteSummaryIncludesBuildAndDeviceResults(t *testing.T) {
	ts := taskstore.New(nil)
	o := &Orchestrator{tasks: ts, logger: nil}
	taskID := ts.Create(false)

	o.writeSummary(taskID, map[string]string{"mcu": "SUCCESS"}, []deviceResult{
		{label: "devA", status: "FAILED", color: "RED"},
		{label: "devB", status: "SUCCESS", color: "GREEN"},
	})

	snap, ok := ts.Get(taskID)
	require.True(t, ok)
	require.NotEmpty(t, snap.Logs)
	joined := snap.Logs[len(snap.Logs)-1]
	require.Contains(t, joined, "mcu: SUCCESS")
	require.Contains(t, joined, "devA: FAILED")
	require.Contains(t, joined, "devB: SUCCESS")
	require.Contains(t, joined, "[COLOR:RED]")
	require.Contains(t, joined, "[COLOR:GREEN]")
}
