package capture

// Status is the supervision state of one pipeline.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusRecovering Status = "recovering"
	StatusBroken     Status = "broken"
)

// validTransitions guards the supervision state machine; anything not
// listed here is a programming error and is logged, not applied.
var validTransitions = map[Status][]Status{
	StatusIdle:       {StatusStarting},
	StatusStarting:   {StatusRunning, StatusRecovering, StatusBroken, StatusIdle},
	StatusRunning:    {StatusRecovering, StatusBroken, StatusIdle},
	StatusRecovering: {StatusStarting, StatusBroken, StatusIdle},
	StatusBroken:     {StatusIdle, StatusStarting},
}

func transitionAllowed(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// State is a point-in-time snapshot of one pipeline's supervision state.
type State struct {
	Kind              string        `json:"kind"`
	Channel           string        `json:"channel"`
	Status            Status        `json:"status"`
	RestartCount      int           `json:"restartCount"`
	SpawnCount        int64         `json:"spawnCount"`
	LastFailureReason FailureReason `json:"lastFailureReason,omitempty"`
	Transport         string        `json:"transport,omitempty"`
	TransportBase     string        `json:"transportBase,omitempty"`
	TransportReason   string        `json:"transportReason,omitempty"`
	StderrTail        []string      `json:"stderrTail,omitempty"`
}
