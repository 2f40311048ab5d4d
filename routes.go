package chembench

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// Waypoint is a named arm target: a Cartesian pose, joint angles in radians,
// or both. Files store them as {"l": [x y z rx ry rz], "j": [j1..j6]}.
type Waypoint struct {
	Pose   []float64 `json:"l,omitempty"`
	Joints []float64 `json:"j,omitempty"`
}

// Location converts the waypoint's Cartesian form.
func (w Waypoint) Location() (Location, error) {
	return LocationFromSlice(w.Pose)
}

type waypointFile struct {
	Locations map[string]Waypoint `json:"rob_locations"`
}

// LoadWaypointLibrary reads the named arm poses from a JSON file.
func LoadWaypointLibrary(path string) (map[string]Waypoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read waypoint library %s", path)
	}
	var file waypointFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse waypoint library %s", path)
	}
	if len(file.Locations) == 0 {
		return nil, errors.Errorf("waypoint library %s has no locations", path)
	}
	return file.Locations, nil
}

// RouteStep is one action in a route.
//
// Ops: "move_j" and "move_l" go to a named waypoint (joint space or linear),
// "move_rel" offsets the current tool position by offset_mm, "grip" actuates
// the gripper ("open", or "close" at closure holding item), and "wait"
// pauses.
type RouteStep struct {
	Op string `json:"op"`

	// Target names a waypoint, or a route variable when prefixed with "$".
	Target   string    `json:"target,omitempty"`
	OffsetMM []float64 `json:"offset_mm,omitempty"`

	Action  string  `json:"action,omitempty"`
	Closure float64 `json:"closure,omitempty"`
	Item    string  `json:"item,omitempty"`

	SpeedMMPerSec float64 `json:"speed_mm_per_sec,omitempty"`
	WaitSec       float64 `json:"wait_sec,omitempty"`
}

// Route is a named motion sequence with preconditions on the arm's last
// known waypoint and the gripper's held item.
type Route struct {
	Name string `json:"name"`

	// StartAt requires the arm to be at this waypoint before running.
	StartAt string `json:"start_at,omitempty"`
	// RequireEmptyGripper refuses to run while something is held.
	RequireEmptyGripper bool `json:"require_empty_gripper,omitempty"`
	// RequireHeld refuses to run unless this item class is held.
	RequireHeld string `json:"require_held,omitempty"`

	Steps []RouteStep `json:"steps"`

	// EndsAt is the waypoint the arm is at after the route completes.
	EndsAt string `json:"ends_at,omitempty"`
}

type routeFile struct {
	Routes []Route `json:"routes"`
}

// LoadRouteLibrary reads routes from a JSON file, keyed by name.
func LoadRouteLibrary(path string) (map[string]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read route library %s", path)
	}
	var file routeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse route library %s", path)
	}
	routes := make(map[string]Route, len(file.Routes))
	for _, route := range file.Routes {
		if route.Name == "" {
			return nil, errors.Errorf("route library %s has a route without a name", path)
		}
		if _, ok := routes[route.Name]; ok {
			return nil, errors.Errorf("route library %s defines %q twice", path, route.Name)
		}
		routes[route.Name] = route
	}
	return routes, nil
}

// armMover is the slice of the arm interface routes need.
type armMover interface {
	MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error
	MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error
	EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error)
}

// gripperActuator is the slice of the gripper interface routes need. Partial
// closures go through DoCommand since the component API only has open and
// grab.
type gripperActuator interface {
	Open(ctx context.Context, extra map[string]interface{}) error
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

// RouteExecutor runs routes on an arm and gripper while tracking where the
// arm last stopped and what the gripper holds. Those two pieces of state are
// what route preconditions check, so a route that would crash a held vial
// into the balance nest fails before the arm moves.
type RouteExecutor struct {
	arm       armMover
	gripper   gripperActuator
	waypoints map[string]Waypoint
	logger    logging.Logger

	// settle is the pause after each motion step.
	settle time.Duration

	mu         sync.Mutex
	atWaypoint string
	held       string
}

// NewRouteExecutor creates an executor. The arm's starting waypoint is
// unknown until SetWaypoint or a completed route establishes it.
func NewRouteExecutor(arm armMover, gripper gripperActuator, waypoints map[string]Waypoint, settle time.Duration, logger logging.Logger) *RouteExecutor {
	return &RouteExecutor{
		arm:       arm,
		gripper:   gripper,
		waypoints: waypoints,
		settle:    settle,
		logger:    logger,
	}
}

// SetWaypoint declares the arm's current waypoint, for example after homing.
func (e *RouteExecutor) SetWaypoint(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.atWaypoint = name
}

// AtWaypoint returns the arm's last known waypoint.
func (e *RouteExecutor) AtWaypoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.atWaypoint
}

// Held returns the item class the gripper currently holds, empty for none.
func (e *RouteExecutor) Held() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

// Run executes a route. Route variables let workflows inject per-well
// targets: a step target "$vial" resolves against vars["vial"].
func (e *RouteExecutor) Run(ctx context.Context, route Route, vars map[string]Location) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if route.StartAt != "" && e.atWaypoint != route.StartAt {
		return errors.Errorf("route %s must start at %q, arm is at %q", route.Name, route.StartAt, e.atWaypoint)
	}
	if route.RequireEmptyGripper && e.held != "" {
		return errors.Errorf("route %s needs an empty gripper, holding %q", route.Name, e.held)
	}
	if route.RequireHeld != "" && e.held != route.RequireHeld {
		return errors.Errorf("route %s needs %q held, holding %q", route.Name, route.RequireHeld, e.held)
	}

	if e.logger != nil {
		e.logger.Debugf("running route %s (%d steps)", route.Name, len(route.Steps))
	}
	for i, step := range route.Steps {
		if err := e.runStep(ctx, route, step, vars); err != nil {
			return errors.Wrapf(err, "route %s step %d (%s)", route.Name, i, step.Op)
		}
	}
	if route.EndsAt != "" {
		e.atWaypoint = route.EndsAt
	}
	return nil
}

func (e *RouteExecutor) runStep(ctx context.Context, route Route, step RouteStep, vars map[string]Location) error {
	switch step.Op {
	case "move_j":
		wp, _, err := e.resolve(step.Target, vars)
		if err != nil {
			return err
		}
		if len(wp.Joints) == 0 {
			return errors.Errorf("waypoint %q has no joint targets", step.Target)
		}
		if err := e.arm.MoveToJointPositions(ctx, wp.Joints, nil); err != nil {
			return err
		}
		return e.settleWait(ctx)

	case "move_l":
		_, loc, err := e.resolve(step.Target, vars)
		if err != nil {
			return err
		}
		if err := e.arm.MoveToPosition(ctx, loc.Pose(), motionExtra(step)); err != nil {
			return err
		}
		return e.settleWait(ctx)

	case "move_rel":
		if len(step.OffsetMM) != 3 {
			return errors.Errorf("move_rel needs a 3-element offset_mm, got %d", len(step.OffsetMM))
		}
		current, err := e.arm.EndPosition(ctx, nil)
		if err != nil {
			return err
		}
		offset := r3.Vector{X: step.OffsetMM[0], Y: step.OffsetMM[1], Z: step.OffsetMM[2]}
		target := spatialmath.NewPose(current.Point().Add(offset), current.Orientation())
		if err := e.arm.MoveToPosition(ctx, target, motionExtra(step)); err != nil {
			return err
		}
		return e.settleWait(ctx)

	case "grip":
		switch step.Action {
		case "open":
			if err := e.gripper.Open(ctx, nil); err != nil {
				return err
			}
			e.held = ""
		case "close":
			_, err := e.gripper.DoCommand(ctx, map[string]interface{}{
				"command":  "set_position",
				"position": step.Closure * 100,
			})
			if err != nil {
				return err
			}
			if step.Item != "" {
				e.held = step.Item
			}
		default:
			return errors.Errorf("unknown grip action %q", step.Action)
		}
		return e.settleWait(ctx)

	case "wait":
		if step.WaitSec <= 0 {
			return errors.New("wait needs a positive wait_sec")
		}
		if !goutils.SelectContextOrWait(ctx, time.Duration(step.WaitSec*float64(time.Second))) {
			return ctx.Err()
		}
		return nil

	default:
		return errors.Errorf("unknown route op %q", step.Op)
	}
}

// resolve maps a step target to a waypoint. Targets prefixed "$" come from
// the route variables and only carry a Cartesian location.
func (e *RouteExecutor) resolve(target string, vars map[string]Location) (Waypoint, Location, error) {
	if target == "" {
		return Waypoint{}, Location{}, errors.New("step has no target")
	}
	if strings.HasPrefix(target, "$") {
		loc, ok := vars[strings.TrimPrefix(target, "$")]
		if !ok {
			return Waypoint{}, Location{}, errors.Errorf("route variable %q not provided", target)
		}
		return Waypoint{Pose: loc.Slice()}, loc, nil
	}
	wp, ok := e.waypoints[target]
	if !ok {
		return Waypoint{}, Location{}, errors.Errorf("unknown waypoint %q", target)
	}
	var loc Location
	if len(wp.Pose) == 6 {
		var err error
		loc, err = wp.Location()
		if err != nil {
			return Waypoint{}, Location{}, err
		}
	} else if len(wp.Pose) != 0 {
		return Waypoint{}, Location{}, errors.Errorf("waypoint %q has a malformed pose", target)
	}
	return wp, loc, nil
}

func (e *RouteExecutor) settleWait(ctx context.Context) error {
	if e.settle <= 0 {
		return nil
	}
	if !goutils.SelectContextOrWait(ctx, e.settle) {
		return ctx.Err()
	}
	return nil
}

func motionExtra(step RouteStep) map[string]interface{} {
	if step.SpeedMMPerSec <= 0 {
		return nil
	}
	return map[string]interface{}{"speed_mm_per_sec": step.SpeedMMPerSec}
}
