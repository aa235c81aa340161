package stream

// InputStatus is the lifecycle state of an Input's ingest/fan-out point.
type InputStatus string

const (
	InputStopped  InputStatus = "stopped"
	InputStarting InputStatus = "starting"
	InputRunning  InputStatus = "running"
	InputError    InputStatus = "error"
)

// OutputStatus is the state-machine position of one Output's supervisor.
//
// Stopped → Starting → Running → {Stopping | Reconnecting | Failed}
//
// Failed is terminal for automatic action only; an explicit start re-enters
// the machine and resets the reconnect counter.
type OutputStatus string

const (
	OutputStopped      OutputStatus = "stopped"
	OutputStarting     OutputStatus = "starting"
	OutputRunning      OutputStatus = "running"
	OutputStopping     OutputStatus = "stopping"
	OutputReconnecting OutputStatus = "reconnecting"
	OutputFailed       OutputStatus = "failed"
)
