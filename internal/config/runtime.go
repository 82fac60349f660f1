package config

import "runtime"

// numCPU reports the number of logical CPUs available, used to size the
// default worker pool
func numCPU() int {
	return runtime.NumCPU()
}
