package detections

const (
	NumClasses    = 3
	RetryAttempts = 3
	RetryDelayMs  = 100
)
