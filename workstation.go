package chembench

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
)

// WorkstationModel is the workstation service model.
var WorkstationModel = resource.NewModel("matterlab", "chembench", "workstation")

func init() {
	resource.RegisterService(genericservice.API, WorkstationModel, resource.Registration[resource.Resource, *WorkstationConfig]{
		Constructor: newWorkstation,
	})
}

// workstation orchestrates the arm, gripper, balance, and liquid handler
// over the tray components' ledgers.
type workstation struct {
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	name   resource.Name
	logger logging.Logger
	cfg    *WorkstationConfig

	arm      armMover
	gripper  gripperActuator
	balance  balanceDevice
	pipettor liquidHandler
	phMeter  phProbe

	trays    map[string]*Tray
	routes   map[string]Route
	executor *RouteExecutor

	// opMu serializes workflows; the deck has one arm.
	opMu sync.Mutex
}

func newWorkstation(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*WorkstationConfig](conf)
	if err != nil {
		return nil, err
	}

	ws := &workstation{
		name:   conf.ResourceName(),
		logger: logger,
		cfg:    cfg,
		trays:  map[string]*Tray{},
	}

	armRes, err := deps.Lookup(arm.Named(cfg.Arm))
	if err != nil {
		return nil, errors.Wrapf(err, "workstation needs arm %q", cfg.Arm)
	}
	robotArm, ok := armRes.(arm.Arm)
	if !ok {
		return nil, errors.Errorf("resource %q is not an arm", cfg.Arm)
	}
	ws.arm = robotArm

	gripRes, err := deps.Lookup(gripper.Named(cfg.Gripper))
	if err != nil {
		return nil, errors.Wrapf(err, "workstation needs gripper %q", cfg.Gripper)
	}
	grip, ok := gripRes.(gripper.Gripper)
	if !ok {
		return nil, errors.Errorf("resource %q is not a gripper", cfg.Gripper)
	}
	ws.gripper = grip

	if cfg.Balance != "" {
		res, err := deps.Lookup(sensor.Named(cfg.Balance))
		if err != nil {
			return nil, errors.Wrapf(err, "balance %q", cfg.Balance)
		}
		bal, ok := res.(sensor.Sensor)
		if !ok {
			return nil, errors.Errorf("resource %q is not a sensor", cfg.Balance)
		}
		ws.balance = bal
	}
	if cfg.Pipettor != "" {
		res, err := deps.Lookup(generic.Named(cfg.Pipettor))
		if err != nil {
			return nil, errors.Wrapf(err, "pipettor %q", cfg.Pipettor)
		}
		ws.pipettor = res
	}
	if cfg.PHMeter != "" {
		res, err := deps.Lookup(sensor.Named(cfg.PHMeter))
		if err != nil {
			return nil, errors.Wrapf(err, "ph meter %q", cfg.PHMeter)
		}
		probe, ok := res.(sensor.Sensor)
		if !ok {
			return nil, errors.Errorf("resource %q is not a sensor", cfg.PHMeter)
		}
		ws.phMeter = probe
	}

	for role, name := range cfg.Trays {
		res, err := deps.Lookup(generic.Named(name))
		if err != nil {
			return nil, errors.Wrapf(err, "tray %q (role %s)", name, role)
		}
		tc, ok := res.(*trayComponent)
		if !ok {
			return nil, errors.Errorf("resource %q (role %s) is not a chembench tray", name, role)
		}
		ws.trays[role] = tc.Tray()
	}

	if cfg.WaypointFile != "" && cfg.RouteFile != "" {
		waypoints, err := LoadWaypointLibrary(cfg.WaypointFile)
		if err != nil {
			return nil, err
		}
		ws.routes, err = LoadRouteLibrary(cfg.RouteFile)
		if err != nil {
			return nil, err
		}
		ws.executor = NewRouteExecutor(ws.arm, ws.gripper, waypoints, 100*time.Millisecond, logger)
		logger.Infof("workstation ready: %d waypoints, %d routes, %d trays",
			len(waypoints), len(ws.routes), len(ws.trays))
	} else {
		logger.Warnf("no waypoint or route file configured, motion workflows disabled")
	}

	return ws, nil
}

func (ws *workstation) Name() resource.Name { return ws.name }

func (ws *workstation) trayByRole(role string) (*Tray, error) {
	t, ok := ws.trays[role]
	if !ok {
		return nil, errors.Errorf("no tray configured for role %q", role)
	}
	return t, nil
}

func (ws *workstation) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, err := cmdString(cmd, "command")
	if err != nil {
		return nil, err
	}

	switch command {
	case "run_dosing":
		ws.opMu.Lock()
		defer ws.opMu.Unlock()
		var req DosingRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, err
		}
		result, err := ws.runDosing(ctx, req)
		if err != nil {
			return nil, err
		}
		return toMap(result)

	case "plan_ph_batch":
		batch, layout, err := ws.decodeBatch(cmd)
		if err != nil {
			return nil, err
		}
		steps, err := PlanBatch(batch, layout)
		if err != nil {
			return nil, err
		}
		return stepsToMap(steps)

	case "run_ph_batch":
		ws.opMu.Lock()
		defer ws.opMu.Unlock()
		batch, layout, err := ws.decodeBatch(cmd)
		if err != nil {
			return nil, err
		}
		results, err := ws.runPHBatch(ctx, batch, layout)
		if err != nil {
			return nil, err
		}
		ph := make(map[string]interface{}, len(results))
		for well, v := range results {
			ph[well] = v
		}
		return map[string]interface{}{"ph": ph}, nil

	case "run_route":
		ws.opMu.Lock()
		defer ws.opMu.Unlock()
		if ws.executor == nil {
			return nil, errors.New("no waypoint and route files configured")
		}
		name, err := cmdString(cmd, "route")
		if err != nil {
			return nil, err
		}
		if err := ws.runRoute(ctx, name, nil); err != nil {
			return nil, err
		}
		return map[string]interface{}{"at_waypoint": ws.executor.AtWaypoint()}, nil

	case "set_waypoint":
		if ws.executor == nil {
			return nil, errors.New("no waypoint and route files configured")
		}
		name, err := cmdString(cmd, "waypoint")
		if err != nil {
			return nil, err
		}
		ws.executor.SetWaypoint(name)
		return map[string]interface{}{"at_waypoint": name}, nil

	case "status":
		status := map[string]interface{}{}
		if ws.executor != nil {
			status["at_waypoint"] = ws.executor.AtWaypoint()
			status["held"] = ws.executor.Held()
		}
		trays := map[string]interface{}{}
		for role, t := range ws.trays {
			s, err := toMap(t.Summary())
			if err != nil {
				return nil, err
			}
			trays[role] = s
		}
		status["trays"] = trays
		return status, nil

	default:
		return nil, errors.Errorf("unknown command %q", command)
	}
}

// runPHBatch plans and executes a batch, then records additions and pH
// readings into the plate tray's ledger when one is configured.
func (ws *workstation) runPHBatch(ctx context.Context, batch []Experiment, layout BatchLayout) (map[string]float64, error) {
	steps, err := PlanBatch(batch, layout)
	if err != nil {
		return nil, err
	}
	results, err := RunBatch(ctx, ws.pipettor, ws.phMeter, steps, ws.logger)
	if err != nil {
		return nil, err
	}

	plate, ok := ws.trays["plate"]
	if !ok {
		ws.logger.Debugf("no plate tray configured, batch results not written to a ledger")
		return results, nil
	}
	for _, exp := range batch {
		if exp.AcidVolumeUL > 0 {
			if err := plate.AddContent(exp.Well, "acid", exp.AcidVolumeUL/1000); err != nil {
				return results, err
			}
		}
		if exp.BaseVolumeUL > 0 {
			if err := plate.AddContent(exp.Well, "base", exp.BaseVolumeUL/1000); err != nil {
				return results, err
			}
		}
	}
	for well, ph := range results {
		if err := plate.SetProcessValue(well, "ph", ph); err != nil {
			return results, err
		}
	}
	return results, nil
}

// decodeBatch pulls experiments (inline or from a CSV path) and the layout
// out of a DoCommand payload.
func (ws *workstation) decodeBatch(cmd map[string]interface{}) ([]Experiment, BatchLayout, error) {
	var layout BatchLayout
	if raw, ok := cmd["layout"]; ok {
		if err := decodeValue(raw, &layout); err != nil {
			return nil, layout, errors.Wrap(err, "bad layout")
		}
	}

	if path, ok := cmd["csv"].(string); ok && path != "" {
		batch, err := LoadExperimentsCSV(path)
		return batch, layout, err
	}
	raw, ok := cmd["experiments"]
	if !ok {
		return nil, layout, errors.New("batch needs 'experiments' or a 'csv' path")
	}
	var batch []Experiment
	if err := decodeValue(raw, &batch); err != nil {
		return nil, layout, errors.Wrap(err, "bad experiments")
	}
	return batch, layout, nil
}

// decodeCommand unmarshals a whole DoCommand payload into a typed request.
func decodeCommand(cmd map[string]interface{}, out interface{}) error {
	return decodeValue(cmd, out)
}

func decodeValue(v interface{}, out interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func stepsToMap(steps []PipetteStep) (map[string]interface{}, error) {
	out := make([]interface{}, len(steps))
	for i, step := range steps {
		m, err := toMap(step)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return map[string]interface{}{"steps": out}, nil
}
