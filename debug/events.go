package debug

type ProcessEvent struct {
	Pid int
	Tid int

	// Only set on process creation.
	ImagePath string

	// True when an existing process replaced its program image.
	Replaced bool

	// Only set on process exit.
	ExitCode int
}

type ThreadEvent struct {
	ThreadInfo

	// Only set on thread exit.
	ExitCode int
}

type ModuleEvent struct {
	Pid int
	ModuleInfo
}

type ExceptionEvent struct {
	Pid int
	Tid int

	ExceptionInfo

	// Set to true by a watcher to suppress the exception rather than passing
	// it to the target.
	Handled bool
}
