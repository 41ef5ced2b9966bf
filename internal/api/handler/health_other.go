//go:build !unix && !windows

package handler

func getDiskStats(path string) (total, free, used int64, usedPct float64) {
	return 0, 0, 0, 0
}

func getCPUUsage() float64 {
	return 0
}
