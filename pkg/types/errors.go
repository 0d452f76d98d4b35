package types

// ExceptionType is the error taxonomy surfaced to clients inside EXCEPTION
// frames. User-visible errors travel as data; the broker never tears down a
// connection because of one.
type ExceptionType string

const (
	// ExcUserCode is raised by run_code evaluation; carries the original
	// exception type name and traceback.
	ExcUserCode ExceptionType = "UserCodeError"
	// ExcInstaller is a non-zero exit of the package installer.
	ExcInstaller ExceptionType = "InstallerError"
	// ExcCommand is a failed run_command: spawn failure or non-zero exit.
	ExcCommand ExceptionType = "CommandError"
	// ExcPerClientQuota means the client already holds its allowed number
	// of interpreters.
	ExcPerClientQuota ExceptionType = "PerClientQuotaExceeded"
	// ExcGlobalQuota means the pool is at the global interpreter cap.
	ExcGlobalQuota ExceptionType = "GlobalQuotaExceeded"
	// ExcServerBusy means the request queue is full.
	ExcServerBusy ExceptionType = "ServerBusy"
	// ExcUnknownEnvironment means the requested environment does not
	// resolve to a usable interpreter.
	ExcUnknownEnvironment ExceptionType = "UnknownEnvironment"
	// ExcWorkerStartupFailed means a spawned worker never reported READY.
	ExcWorkerStartupFailed ExceptionType = "WorkerStartupFailed"
	// ExcWorkerDied means the worker subprocess exited mid-request.
	ExcWorkerDied ExceptionType = "WorkerDied"
	// ExcCancelled means the request was cut short by interpreter deletion
	// or client disconnect.
	ExcCancelled ExceptionType = "Cancelled"
	// ExcShutdown means the broker is shutting down.
	ExcShutdown ExceptionType = "Shutdown"
	// ExcMalformedRequest means the payload did not parse into a request.
	ExcMalformedRequest ExceptionType = "MalformedRequest"
)
