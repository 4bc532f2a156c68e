package scheduler

import (
	"runtime"
)

// DefaultWorkers is used when host memory cannot be read.
const DefaultWorkers = 5

// PoolSize derives the worker count: an explicit MaxWorkers wins, otherwise
// min(NumCPU, available memory / PerWorkerMemoryMB), never below one.
func PoolSize(cfg Config) int {
	if cfg.MaxWorkers > 0 {
		return cfg.MaxWorkers
	}
	memMB, err := availableMemoryMB()
	return poolSize(runtime.NumCPU(), memMB, err, cfg.PerWorkerMemoryMB)
}

func poolSize(cpus int, memMB int64, memErr error, perWorkerMB int) int {
	if memErr != nil || memMB <= 0 {
		return DefaultWorkers
	}
	n := cpus
	if perWorkerMB > 0 {
		if byMem := int(memMB / int64(perWorkerMB)); byMem < n {
			n = byMem
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}
