package main

import (
	"chembench"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	genericservice "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: chembench.TrayModel},
		resource.APIModel{API: genericservice.API, Model: chembench.WorkstationModel},
		resource.APIModel{API: discovery.API, Model: chembench.InventoryModel},
	)
}
