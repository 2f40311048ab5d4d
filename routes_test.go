package chembench

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

type fakeArm struct {
	mu         sync.Mutex
	jointMoves [][]referenceframe.Input
	poseMoves  []spatialmath.Pose
	current    spatialmath.Pose
}

func (f *fakeArm) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poseMoves = append(f.poseMoves, pose)
	f.current = pose
	return nil
}

func (f *fakeArm) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jointMoves = append(f.jointMoves, positions)
	return nil
}

func (f *fakeArm) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return spatialmath.NewZeroPose(), nil
	}
	return f.current, nil
}

type fakeGripper struct {
	mu    sync.Mutex
	opens int
	cmds  []map[string]interface{}
}

func (f *fakeGripper) Open(ctx context.Context, extra map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return nil
}

func (f *fakeGripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return map[string]interface{}{}, nil
}

func writeTestLibraries(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	wpPath := filepath.Join(dir, "waypoints.json")
	wp := `{
  "rob_locations": {
    "safe_rack": {"j": [0, -1.57, 1.57, 0, 1.57, 0]},
    "balance_nest": {"l": [420, -130, 95, 180, 0, 90], "j": [0.4, -1.2, 1.1, 0.1, 1.5, 0]}
  }
}`
	require.NoError(t, os.WriteFile(wpPath, []byte(wp), 0o644))

	routePath := filepath.Join(dir, "routes.json")
	routes := `{
  "routes": [
    {
      "name": "vial_to_balance",
      "start_at": "safe_rack",
      "require_empty_gripper": true,
      "steps": [
        {"op": "move_l", "target": "$vial", "speed_mm_per_sec": 100},
        {"op": "grip", "action": "close", "closure": 0.92, "item": "vial"},
        {"op": "move_rel", "offset_mm": [0, 0, 50]},
        {"op": "move_j", "target": "balance_nest"},
        {"op": "grip", "action": "open"}
      ],
      "ends_at": "balance_nest"
    },
    {
      "name": "needs_vial",
      "require_held": "vial",
      "steps": [{"op": "move_j", "target": "safe_rack"}],
      "ends_at": "safe_rack"
    }
  ]
}`
	require.NoError(t, os.WriteFile(routePath, []byte(routes), 0o644))
	return wpPath, routePath
}

func TestLoadWaypointLibrary(t *testing.T) {
	wpPath, _ := writeTestLibraries(t)
	waypoints, err := LoadWaypointLibrary(wpPath)
	require.NoError(t, err)
	require.Len(t, waypoints, 2)

	loc, err := waypoints["balance_nest"].Location()
	require.NoError(t, err)
	assert.Equal(t, r3.Vector{X: 420, Y: -130, Z: 95}, loc.Position)
	assert.Len(t, waypoints["safe_rack"].Joints, 6)

	t.Run("empty library fails", func(t *testing.T) {
		empty := filepath.Join(t.TempDir(), "empty.json")
		require.NoError(t, os.WriteFile(empty, []byte(`{"rob_locations": {}}`), 0o644))
		_, err := LoadWaypointLibrary(empty)
		assert.Error(t, err)
	})
}

func TestLoadRouteLibrary(t *testing.T) {
	_, routePath := writeTestLibraries(t)
	routes, err := LoadRouteLibrary(routePath)
	require.NoError(t, err)
	require.Contains(t, routes, "vial_to_balance")
	assert.Equal(t, "safe_rack", routes["vial_to_balance"].StartAt)
	assert.True(t, routes["vial_to_balance"].RequireEmptyGripper)
	assert.Len(t, routes["vial_to_balance"].Steps, 5)

	t.Run("duplicate names fail", func(t *testing.T) {
		dup := filepath.Join(t.TempDir(), "dup.json")
		content := `{"routes": [{"name": "a", "steps": []}, {"name": "a", "steps": []}]}`
		require.NoError(t, os.WriteFile(dup, []byte(content), 0o644))
		_, err := LoadRouteLibrary(dup)
		assert.Error(t, err)
	})
}

func newTestExecutor(t *testing.T) (*RouteExecutor, map[string]Route, *fakeArm, *fakeGripper) {
	t.Helper()
	wpPath, routePath := writeTestLibraries(t)
	waypoints, err := LoadWaypointLibrary(wpPath)
	require.NoError(t, err)
	routes, err := LoadRouteLibrary(routePath)
	require.NoError(t, err)

	arm := &fakeArm{}
	grip := &fakeGripper{}
	return NewRouteExecutor(arm, grip, waypoints, 0, nil), routes, arm, grip
}

func TestRouteExecutorRun(t *testing.T) {
	exec, routes, arm, grip := newTestExecutor(t)
	exec.SetWaypoint("safe_rack")

	vial := Location{Position: r3.Vector{X: 250, Y: -80, Z: 40}}
	err := exec.Run(context.Background(), routes["vial_to_balance"], map[string]Location{"vial": vial})
	require.NoError(t, err)

	assert.Equal(t, "balance_nest", exec.AtWaypoint())
	assert.Equal(t, "", exec.Held(), "route ends with an open gripper")

	// move_l to the vial, then move_rel lifting 50mm
	require.Len(t, arm.poseMoves, 2)
	assert.Equal(t, vial.Position, arm.poseMoves[0].Point())
	assert.Equal(t, r3.Vector{X: 250, Y: -80, Z: 90}, arm.poseMoves[1].Point())
	require.Len(t, arm.jointMoves, 1)

	// one partial close, one open
	require.Len(t, grip.cmds, 1)
	assert.Equal(t, "set_position", grip.cmds[0]["command"])
	assert.Equal(t, 92.0, grip.cmds[0]["position"])
	assert.Equal(t, 1, grip.opens)
}

func TestRouteExecutorPreconditions(t *testing.T) {
	vars := map[string]Location{"vial": {}}

	t.Run("wrong start waypoint", func(t *testing.T) {
		exec, routes, _, _ := newTestExecutor(t)
		exec.SetWaypoint("balance_nest")
		err := exec.Run(context.Background(), routes["vial_to_balance"], vars)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must start at")
	})

	t.Run("unknown start waypoint", func(t *testing.T) {
		exec, routes, _, _ := newTestExecutor(t)
		err := exec.Run(context.Background(), routes["vial_to_balance"], vars)
		assert.Error(t, err)
	})

	t.Run("gripper not empty", func(t *testing.T) {
		exec, routes, _, _ := newTestExecutor(t)
		exec.SetWaypoint("safe_rack")
		exec.held = "vial"
		err := exec.Run(context.Background(), routes["vial_to_balance"], vars)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty gripper")
	})

	t.Run("required item not held", func(t *testing.T) {
		exec, routes, _, _ := newTestExecutor(t)
		err := exec.Run(context.Background(), routes["needs_vial"], nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "needs \"vial\" held")
	})

	t.Run("missing route variable", func(t *testing.T) {
		exec, routes, _, _ := newTestExecutor(t)
		exec.SetWaypoint("safe_rack")
		err := exec.Run(context.Background(), routes["vial_to_balance"], nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "route variable")
	})
}

func TestRouteExecutorStepErrors(t *testing.T) {
	exec, _, _, _ := newTestExecutor(t)
	ctx := context.Background()

	badOps := []Route{
		{Name: "bad_op", Steps: []RouteStep{{Op: "teleport"}}},
		{Name: "bad_target", Steps: []RouteStep{{Op: "move_j", Target: "nowhere"}}},
		{Name: "bad_offset", Steps: []RouteStep{{Op: "move_rel", OffsetMM: []float64{1}}}},
		{Name: "bad_grip", Steps: []RouteStep{{Op: "grip", Action: "squeeze"}}},
		{Name: "bad_wait", Steps: []RouteStep{{Op: "wait"}}},
	}
	for _, route := range badOps {
		assert.Error(t, exec.Run(ctx, route, nil), route.Name)
	}
}
