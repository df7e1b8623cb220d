package consolidation

// TemperatureSchedule selects how the annealing temperature decays across
// steps.
type TemperatureSchedule string

const (
	ScheduleGeometric    TemperatureSchedule = "geometric"
	ScheduleLogarithmic  TemperatureSchedule = "logarithmic"
	ScheduleCalendar     TemperatureSchedule = "calendar"
)

// TemperatureCalendar maps an episode-age bucket (in hours) to a fixed
// temperature. Ranges may overlap; this implementation resolves overlaps by
// taking the first matching calendar in list order, so callers control
// precedence by ordering the slice (see DESIGN.md).
type TemperatureCalendar struct {
	MinAgeHours float64
	MaxAgeHours float64
	Temperature float64
}

// ReplayParameters configures one consolidation cycle.
type ReplayParameters struct {
	InitialTemperature      float64
	CoolingRate             float64
	AnnealingSteps          int
	LearningRate            float64
	NegativeSamples         int
	L1Strength              float64
	AdaptiveRate            bool
	MinEnergyImprovement    float64
	Schedule                TemperatureSchedule
	Calendars               []TemperatureCalendar
	PrioritizeThresholdEdges bool
	PruneThreshold          float64
	// MaxFailureFraction bounds the share of episodes whose gradient
	// computation may error before the job is considered failed.
	MaxFailureFraction float64
}

// DefaultReplayParameters returns sensible defaults for a single
// consolidation cycle.
func DefaultReplayParameters() ReplayParameters {
	return ReplayParameters{
		InitialTemperature:   1.0,
		CoolingRate:          0.95,
		AnnealingSteps:       50,
		LearningRate:         0.05,
		NegativeSamples:      4,
		L1Strength:           0.001,
		AdaptiveRate:         false,
		MinEnergyImprovement: 1e-4,
		Schedule:             ScheduleGeometric,
		PruneThreshold:       0.05,
		MaxFailureFraction:   0.2,
	}
}
