package lorawan

// RXWindowDefaults are the default RX1DROffset/RX2DataRate/RX2Frequency a
// join-accept and a freshly reset node fall back to. Regional channel
// plans, duty-cycle tracking, and data-rate tables are external
// collaborators (an upstream regional-parameters module); this engine
// only needs these three defaults to populate join-accept DLSettings and
// to reinitialize rxwin_use on a detected reset.
type RXWindowDefaults struct {
	RX1DROffset uint8
	RX2DataRate uint8
	RX2Freq     uint32
}

var regionDefaults = map[string]RXWindowDefaults{
	"EU868": {RX1DROffset: 0, RX2DataRate: 0, RX2Freq: 869525000},
	"US915": {RX1DROffset: 0, RX2DataRate: 8, RX2Freq: 923300000},
	"CN470": {RX1DROffset: 0, RX2DataRate: 0, RX2Freq: 505300000},
}

// DefaultRXWindows returns the RX window defaults for a named region,
// falling back to EU868 for unrecognized names so that provisioning a
// network with an unfamiliar region string never blocks a join.
func DefaultRXWindows(region string) RXWindowDefaults {
	if d, ok := regionDefaults[region]; ok {
		return d
	}
	return regionDefaults["EU868"]
}
