package registration

import "strings"

// Strategy selects how non-rigid displacements are computed.
type Strategy string

const (
	// StrategySerial aligns each slide to its neighbor toward the reference.
	StrategySerial Strategy = "serial"
	// StrategyGroupwise aligns all slides jointly.
	StrategyGroupwise Strategy = "groupwise"
)

// Default resolution caps, in pixels along the longest side.
const (
	DefaultProcessingCap  = 850
	DefaultNonRigidCap    = 2048
	DefaultMicroCap       = 4096
	DefaultMicroRigidTile = 512
	DefaultMinMatches     = 6
	defaultExactOrderMax  = 9
)

// Options controls a registration run.
type Options struct {
	// Reference names the slide every other slide is aligned to. Empty means
	// pick automatically.
	Reference string
	// Order is an explicit stack order. Empty means derive from similarity.
	Order []string

	ProcessingCap int
	MinMatches    int

	MicroRigid      bool
	MicroRigidScale float64
	MicroRigidTile  int

	SkipNonRigid bool
	Strategy     Strategy
	NonRigidCap  int

	Micro    bool
	MicroCap int

	// Channels selects the channel used for grayscale conversion per slide;
	// slides not listed use luminance.
	Channels map[string]int

	// Workers bounds per-stage fan-out. Zero means GOMAXPROCS.
	Workers int
	// ExactOrderMax is the largest stack ordered by exact path search.
	ExactOrderMax int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ProcessingCap:   DefaultProcessingCap,
		MinMatches:      DefaultMinMatches,
		MicroRigidScale: 0.125,
		MicroRigidTile:  DefaultMicroRigidTile,
		Strategy:        StrategySerial,
		NonRigidCap:     DefaultNonRigidCap,
		MicroCap:        DefaultMicroCap,
		ExactOrderMax:   defaultExactOrderMax,
	}
}

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "serial":
		return StrategySerial, nil
	case "groupwise":
		return StrategyGroupwise, nil
	default:
		return "", configErrorf("unknown non-rigid strategy %q", s)
	}
}

func (o Options) validate() error {
	if o.ProcessingCap < 16 {
		return configErrorf("processing cap %d is too small", o.ProcessingCap)
	}
	if o.MinMatches < 3 {
		return configErrorf("min matches must be at least 3, got %d", o.MinMatches)
	}
	if _, err := ParseStrategy(string(o.Strategy)); err != nil {
		return err
	}
	if !o.SkipNonRigid && o.NonRigidCap < 16 {
		return configErrorf("non-rigid cap %d is too small", o.NonRigidCap)
	}
	if o.Micro && o.MicroCap < 16 {
		return configErrorf("micro cap %d is too small", o.MicroCap)
	}
	if o.MicroRigid && (o.MicroRigidScale <= 0 || o.MicroRigidScale > 1 || o.MicroRigidTile < 32) {
		return configErrorf("micro-rigid scale %g / tile %d out of range", o.MicroRigidScale, o.MicroRigidTile)
	}
	seen := make(map[string]bool, len(o.Order))
	for _, id := range o.Order {
		if seen[id] {
			return configErrorf("slide %q appears twice in the order", id)
		}
		seen[id] = true
	}
	if o.Reference != "" && len(o.Order) > 0 && !seen[o.Reference] {
		return configErrorf("reference %q is not part of the order", o.Reference)
	}
	return nil
}
