package entity

import "time"

// ScalingAction is the direction of a fleet size change.
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	ScaleNone ScalingAction = "none"
)

// ScalingDecision is the result of one scaler evaluation. It is computed
// fresh each cycle and never persisted.
type ScalingDecision struct {
	CurrentInstances  int           `json:"current_instances"`
	OptimalInstances  int           `json:"optimal_instances"`
	Action            ScalingAction `json:"action"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	Reason            string        `json:"reason"`
	Confidence        float64       `json:"confidence"`
	PredictionUsed    bool          `json:"prediction_used"`
	Timestamp         time.Time     `json:"timestamp"`
}

// Delta returns the signed instance count change the decision implies.
func (d *ScalingDecision) Delta() int {
	return d.OptimalInstances - d.CurrentInstances
}
