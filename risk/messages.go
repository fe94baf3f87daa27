package risk

import (
	"fmt"

	"github.com/Tutortoise/crowd-safety-service/models"
)

const (
	MsgHighRisk = "STAMPEDE RISK DETECTED: %d people, %.0f%% confidence. Take immediate action."
	MsgCrowded  = "Crowded area: %d people detected with %.0f%% confidence. Monitor closely."
	MsgNormal   = "Normal conditions: %d people detected with %.0f%% confidence."

	DemoPrefix = "DEMO MODE: "
)

// StatusMessage is the human-readable summary of a verdict. Answers from the demo tier are clearly marked.
func StatusMessage(level models.RiskLevel, tier models.Tier, count int, confidence float64) string {
	var msg string
	switch level {
	case models.RiskHighRisk:
		msg = fmt.Sprintf(MsgHighRisk, count, confidence*100)
	case models.RiskCrowded:
		msg = fmt.Sprintf(MsgCrowded, count, confidence*100)
	default:
		msg = fmt.Sprintf(MsgNormal, count, confidence*100)
	}
	if tier == models.TierDemo {
		msg = DemoPrefix + msg
	}
	return msg
}

func Recommendations(level models.RiskLevel, count int) []string {
	switch {
	case level == models.RiskHighRisk:
		return []string{
			"Immediate attention required: high crowd density detected",
			"Deploy crowd control measures and restrict further entry",
			"Alert security personnel",
			"Keep all exits clear",
		}
	case level == models.RiskCrowded:
		return []string{
			"Monitor crowd levels: moderate density detected",
			"Prepare preventive crowd management if numbers increase",
			"Ensure adequate space and clear pathways",
		}
	case count >= 3:
		return []string{
			"Normal crowd levels, continue monitoring",
			"Maintain awareness of crowd flow patterns",
		}
	}
	return []string{
		"Low crowd density, safe levels detected",
		"Continue regular monitoring as needed",
	}
}
