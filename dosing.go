package chembench

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"
)

// balanceDevice is the slice of the balance sensor the dosing loop needs:
// readings with mass_mg and stable, plus tare/door/dose commands.
type balanceDevice interface {
	Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error)
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

// Route names the dosing workflow expects in the route library.
const (
	routeVialToBalance = "vial_to_balance"
	routeVialReturn    = "vial_return"
	routeHeadToBalance = "head_to_balance"
	routeHeadReturn    = "head_return"
)

// DosingRequest asks for a target mass of a substance in a sample vial.
// Empty well fields select the next available container.
type DosingRequest struct {
	Substance string  `json:"substance"`
	TargetMg  float64 `json:"target_mg"`
	VialWell  string  `json:"vial_well,omitempty"`
	HeadWell  string  `json:"head_well,omitempty"`
}

// DosingResult reports what was dispensed where.
type DosingResult struct {
	VialWell string  `json:"vial_well"`
	VialID   string  `json:"vial_id"`
	HeadWell string  `json:"head_well"`
	EmptyMg  float64 `json:"empty_mg"`
	GrossMg  float64 `json:"gross_mg"`
	AddedMg  float64 `json:"added_mg"`
}

// retryWithBackoff runs fn up to attempts times, growing the delay by half
// each round. Balance commands fail transiently when the door is mid-travel
// or the reading is drifting, so a couple of retries usually clears it.
func retryWithBackoff(ctx context.Context, attempts int, delay time.Duration, logger logging.Logger, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if logger != nil {
			logger.Warnf("%s failed (attempt %d/%d), retrying in %s: %v", op, attempt, attempts, delay, err)
		}
		if !goutils.SelectContextOrWait(ctx, delay) {
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * 1.5)
	}
	return errors.Wrapf(err, "%s failed after %d attempts", op, attempts)
}

func (ws *workstation) balanceCommand(ctx context.Context, cmd map[string]interface{}) error {
	return retryWithBackoff(ctx, ws.cfg.DoseRetries, ws.cfg.DoseRetryDelay, ws.logger,
		cmd["command"].(string),
		func() error {
			_, err := ws.balance.DoCommand(ctx, cmd)
			return err
		})
}

// waitForStableWeight polls the balance until it reports a stable reading or
// the settle timeout passes.
func (ws *workstation) waitForStableWeight(ctx context.Context) (float64, error) {
	deadline := time.Now().Add(ws.cfg.SettleTimeout)
	for {
		readings, err := ws.balance.Readings(ctx, nil)
		if err != nil {
			return 0, errors.Wrap(err, "balance reading")
		}
		mass, ok := readings["mass_mg"].(float64)
		if !ok {
			return 0, errors.New("balance reported no mass_mg")
		}
		if stable, _ := readings["stable"].(bool); stable {
			return mass, nil
		}
		if time.Now().After(deadline) {
			return 0, errors.Errorf("balance did not settle within %s", ws.cfg.SettleTimeout)
		}
		if !goutils.SelectContextOrWait(ctx, ws.cfg.SettlePoll) {
			return 0, ctx.Err()
		}
	}
}

func (ws *workstation) route(name string) (Route, error) {
	route, ok := ws.routes[name]
	if !ok {
		return Route{}, errors.Errorf("route library has no route %q", name)
	}
	return route, nil
}

func (ws *workstation) runRoute(ctx context.Context, name string, vars map[string]Location) error {
	route, err := ws.route(name)
	if err != nil {
		return err
	}
	return ws.executor.Run(ctx, route, vars)
}

// runDosing weighs an empty sample vial, doses the requested substance into
// it on the balance, and records both readings in the tray ledger.
func (ws *workstation) runDosing(ctx context.Context, req DosingRequest) (DosingResult, error) {
	var result DosingResult
	if req.Substance == "" {
		return result, errors.New("dosing needs a substance")
	}
	if req.TargetMg <= 0 {
		return result, errors.Errorf("dosing needs a positive target, got %.3f mg", req.TargetMg)
	}
	if ws.balance == nil {
		return result, errors.New("no balance configured")
	}
	if ws.executor == nil {
		return result, errors.New("no waypoint and route files configured")
	}

	vials, err := ws.trayByRole("samples")
	if err != nil {
		return result, err
	}
	heads, err := ws.trayByRole("heads")
	if err != nil {
		return result, err
	}

	vial, err := pickContainer(vials, req.VialWell)
	if err != nil {
		return result, err
	}
	head, err := pickContainer(heads, req.HeadWell)
	if err != nil {
		return result, err
	}
	ws.logger.Infof("dosing %.2f mg of %s into %s %s using head %s",
		req.TargetMg, req.Substance, vials.Name, vial.WellName, head.WellName)

	// Bring the empty vial onto the balance and take its baseline.
	if err := ws.balanceCommand(ctx, map[string]interface{}{"command": "open_door"}); err != nil {
		return result, err
	}
	if err := ws.runRoute(ctx, routeVialToBalance, map[string]Location{"vial": vial.Location}); err != nil {
		return result, err
	}
	if err := ws.balanceCommand(ctx, map[string]interface{}{"command": "close_door"}); err != nil {
		return result, err
	}
	emptyMg, err := ws.waitForStableWeight(ctx)
	if err != nil {
		return result, err
	}
	if _, err := vials.AddWeightSample(vial.WellName, EmptyLabel, emptyMg); err != nil {
		return result, err
	}

	// Swap the dosing head in and dispense.
	if err := ws.balanceCommand(ctx, map[string]interface{}{"command": "open_door"}); err != nil {
		return result, err
	}
	if err := ws.runRoute(ctx, routeHeadToBalance, map[string]Location{"head": head.Location}); err != nil {
		return result, err
	}
	if err := ws.balanceCommand(ctx, map[string]interface{}{"command": "close_door"}); err != nil {
		return result, err
	}
	if err := ws.balanceCommand(ctx, map[string]interface{}{
		"command":   "dose",
		"substance": req.Substance,
		"target_mg": req.TargetMg,
	}); err != nil {
		return result, err
	}
	grossMg, err := ws.waitForStableWeight(ctx)
	if err != nil {
		return result, err
	}
	sample, err := vials.AddWeightSample(vial.WellName, req.Substance, grossMg)
	if err != nil {
		return result, err
	}

	// Put everything back and link the head to the vial it filled.
	if err := ws.balanceCommand(ctx, map[string]interface{}{"command": "open_door"}); err != nil {
		return result, err
	}
	if err := ws.runRoute(ctx, routeHeadReturn, map[string]Location{"head": head.Location}); err != nil {
		return result, err
	}
	if err := ws.runRoute(ctx, routeVialReturn, map[string]Location{"vial": vial.Location}); err != nil {
		return result, err
	}
	if err := ws.balanceCommand(ctx, map[string]interface{}{"command": "close_door"}); err != nil {
		return result, err
	}
	if err := heads.LinkAnalysisVial(head.WellName, req.Substance, vial.ID()); err != nil {
		return result, err
	}

	result = DosingResult{
		VialWell: vial.WellName,
		VialID:   vial.ID(),
		HeadWell: head.WellName,
		EmptyMg:  emptyMg,
		GrossMg:  grossMg,
		AddedMg:  sample.AddedMg,
	}
	ws.logger.Infof("dosed %.3f mg of %s into %s (target %.3f mg)",
		result.AddedMg, req.Substance, result.VialWell, req.TargetMg)
	return result, nil
}

// pickContainer resolves an explicit well or falls back to the tray's next
// available container.
func pickContainer(t *Tray, well string) (*Container, error) {
	if well != "" {
		return t.Container(well)
	}
	c := t.NextAvailable()
	if c == nil {
		return nil, errors.Errorf("tray %s has no available containers", t.Name)
	}
	return c, nil
}
