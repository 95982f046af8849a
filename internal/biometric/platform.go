package biometric

import "context"

// ClientReport is a one-shot Platform built from what the device itself
// reported: its capability snapshot and, when a prompt already ran
// on-device, the outcome. The service validates policy against the
// report; the actual prompt only ever happens on the device.
type ClientReport struct {
	Hardware bool     `json:"has_hardware"`
	Enrolled bool     `json:"enrolled"`
	Methods  []Method `json:"methods,omitempty"`
	Outcome  *Result  `json:"outcome,omitempty"`
}

func (r *ClientReport) HasHardware(ctx context.Context) (bool, error) { return r.Hardware, nil }
func (r *ClientReport) IsEnrolled(ctx context.Context) (bool, error)  { return r.Enrolled, nil }
func (r *ClientReport) SupportedMethods(ctx context.Context) ([]Method, error) {
	return r.Methods, nil
}

// Authenticate returns the outcome the device reported. A report without
// an outcome counts as a decline, never a success.
func (r *ClientReport) Authenticate(ctx context.Context, prompt, fallbackLabel string) (*Result, error) {
	if r.Outcome == nil {
		return &Result{Cancelled: true}, nil
	}
	return r.Outcome, nil
}

// WithPlatform returns a gate bound to a different platform but sharing
// this gate's preference store and prompt copy. Used to evaluate one
// request against the capability that request reported.
func (g *Gate) WithPlatform(platform Platform) *Gate {
	return &Gate{
		platform:      platform,
		prefs:         g.prefs,
		prompt:        g.prompt,
		fallbackLabel: g.fallbackLabel,
	}
}
