package engine

import "github.com/lorawan-server/framengine/pkg/lorawan"

// Scope identifies the subject a warning is about, so a Warner can attach
// structured fields (devaddr, deveui) without the engine importing a
// logging library itself.
type Scope struct {
	DevAddr *lorawan.DevAddr
	DevEUI  *lorawan.EUI64
}

// Warner receives side-channel notices the engine emits alongside a
// successful outcome: missed uplinks, detected resets, dropped port-0
// application data. Warnings never change the returned Outcome.
type Warner func(scope Scope, kind string, detail map[string]interface{})

func noopWarner(Scope, string, map[string]interface{}) {}
