package models

import "time"

// Source identifies which detector proposed a Detection
type Source int

const (
	SourceFace Source = iota
	SourceBody
	SourceModel
)

func (s Source) String() string {
	switch s {
	case SourceFace:
		return "face"
	case SourceBody:
		return "body"
	case SourceModel:
		return "model"
	}
	return "unknown"
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Detection is a single candidate person instance
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float32 `json:"confidence"`
	Source     Source  `json:"source"`
}

// DetectionSet is the output of one detector for one image. Treat as immutable once produced.
type DetectionSet []Detection

// DensityEstimate is the whole-image contribution of the learned crowd classifier.
// It carries class probabilities instead of boxes.
type DensityEstimate struct {
	Probabilities [3]float32 `json:"probabilities"` // normal, crowded, stampede
	Confidence    float32    `json:"confidence"`    // max(Probabilities)
	Label         string     `json:"label"`
}

var DensityLabels = [3]string{"normal", "crowded", "stampede"}

// MergedResult is the deduplicated set of person instances for one image
type MergedResult struct {
	Detections    []Detection      `json:"detections"`
	PeopleCount   int              `json:"people_count"` // always len(Detections)
	ImageWidth    int              `json:"image_width"`
	ImageHeight   int              `json:"image_height"`
	Estimate      *DensityEstimate `json:"estimate,omitempty"`
	RawCount      int              `json:"raw_count"`      // detections before filtering
	FilteredCount int              `json:"filtered_count"` // detections that survived the geometric filters
}

// RiskFactors are independently computed signals feeding the risk decision
type RiskFactors struct {
	HighPeopleCount     bool `json:"high_people_count"`
	HighDensity         bool `json:"high_density"`
	ModelConfidenceHigh bool `json:"model_confidence_high"`
	MovementChaos       bool `json:"movement_chaos"`
}

// Count returns the number of factors that are raised
func (f RiskFactors) Count() int {
	n := 0
	for _, b := range []bool{f.HighPeopleCount, f.HighDensity, f.ModelConfidenceHigh, f.MovementChaos} {
		if b {
			n++
		}
	}
	return n
}

type RiskLevel string

const (
	RiskNormal   RiskLevel = "normal"
	RiskCrowded  RiskLevel = "crowded"
	RiskHighRisk RiskLevel = "high_risk"
)

// Rank orders risk levels: normal < crowded < high_risk
func (r RiskLevel) Rank() int {
	switch r {
	case RiskCrowded:
		return 1
	case RiskHighRisk:
		return 2
	}
	return 0
}

// Tier is the fallback level that produced a Verdict
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
	TierDemo     Tier = "demo"
)

// Verdict is the final output of one analysis call. It is returned by value and never shared.
type Verdict struct {
	PeopleCount      int         `json:"people_count"`
	ConfidenceScore  float64     `json:"confidence_score"`
	CrowdDensity     float64     `json:"crowd_density"`
	RiskLevel        RiskLevel   `json:"risk_level"`
	IsStampedeRisk   bool        `json:"is_stampede_risk"`
	StatusMessage    string      `json:"status_message"`
	TierUsed         Tier        `json:"tier_used"`
	ProcessingTimeMS float64     `json:"processing_time_ms"`
	RiskFactors      RiskFactors `json:"risk_factors"`
	Boxes            []Detection `json:"boxes"`
	Recommendations  []string    `json:"recommendations"`
	MotionScore      float64     `json:"motion_score"`
	AnalyzedAt       time.Time   `json:"analyzed_at"`
}

// ProcessingTimings is logged per request in debug mode
type ProcessingTimings struct {
	RequestID string
	Read      time.Duration
	Decode    time.Duration
	Analyze   time.Duration
	Total     time.Duration
}
