package ptz

import (
	"fmt"
	"strings"
)

// Config selects and parameterizes the camera driver.
type Config struct {
	// Driver is one of "isapi", "pelco" or "mock". Empty selects mock.
	Driver string      `json:"driver"`
	ISAPI  ISAPIConfig `json:"isapi"`
	Pelco  PelcoConfig `json:"pelco"`
}

// Open builds the Actuator named by cfg.Driver. The mock driver lets the
// daemon run without camera hardware attached.
func Open(cfg Config) (Actuator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "mock":
		return NewMockActuator(), nil
	case "isapi":
		if cfg.ISAPI.Host == "" {
			return nil, fmt.Errorf("isapi driver requires a camera host")
		}
		return NewISAPIActuator(cfg.ISAPI), nil
	case "pelco":
		return NewPelcoActuator(cfg.Pelco, RealSerialPortFactory{})
	default:
		return nil, fmt.Errorf("unknown camera driver %q: expected isapi, pelco or mock", cfg.Driver)
	}
}
