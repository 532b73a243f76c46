package config

// Error marks a missing or invalid configuration key. The process must not
// start once one is raised.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return "config: " + e.Key + ": " + e.Reason
}
