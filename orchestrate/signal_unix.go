package orchestrate

import "syscall"

// syscallSigZero is signal 0: sending it never actually signals the
// process, only probes whether it exists and is signalable by us. Standard
// Unix idiom for liveness checks.
var syscallSigZero = syscall.Signal(0)
