package track

// ZoomController drives zoom toward a target frame coverage with a
// proportional response. Positive commands zoom in, negative zoom out.
//
// The dead zones are asymmetric: a subject drifting slightly small is
// usually fine, while one growing past the target crowds the frame, so
// deployments typically run a tighter zoom-out zone.
type ZoomController struct {
	target      float64
	inDeadZone  float64
	outDeadZone float64
	gain        float64
}

func NewZoomController(targetCoverage, inDeadZone, outDeadZone, gain float64) *ZoomController {
	return &ZoomController{
		target:      targetCoverage,
		inDeadZone:  inDeadZone,
		outDeadZone: outDeadZone,
		gain:        gain,
	}
}

// Command returns the zoom velocity, in [-1, 1], for the observed
// coverage. Inside the direction's dead zone the command is 0.
func (z *ZoomController) Command(coverage float64) float64 {
	err := z.target - coverage

	if err > 0 {
		// Subject too small: zoom in unless within the in-zone.
		if err <= z.inDeadZone {
			return 0
		}
	} else {
		// Subject too large: zoom out unless within the out-zone.
		if -err <= z.outDeadZone {
			return 0
		}
	}

	out := z.gain * err
	if out > 1 {
		out = 1
	} else if out < -1 {
		out = -1
	}
	return out
}

// TargetCoverage reports the coverage setpoint.
func (z *ZoomController) TargetCoverage() float64 { return z.target }
