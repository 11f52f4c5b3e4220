package util

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// MemoryFraction is the fraction of available memory the pipeline may use.
// 70% leaves headroom for OS, file cache, and other processes.
const MemoryFraction = 0.7

// Memory per superblock row worker, by resolution.
const (
	MemPerWorker4K    = 256 << 20
	MemPerWorker1080p = 96 << 20
	MemPerWorkerSD    = 32 << 20
)

// AvailableMemoryBytes returns the free plus reclaimable buffer memory, or 0
// if it cannot be determined.
func AvailableMemoryBytes() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
}

// LogicalCores returns the number of CPUs usable by the process.
func LogicalCores() int {
	return runtime.NumCPU()
}

// PictureBytes returns the memory one in-flight picture needs: the source,
// its analysis copy and the reconstruction, all 4:2:0.
func PictureBytes(width, height uint32) uint64 {
	return uint64(width) * uint64(height) * 3 / 2 * 3
}

// CapWorkers returns the safe number of workers based on available memory.
// Returns (actualWorkers, wasCapped).
func CapWorkers(requested int, width, height uint32) (int, bool) {
	return capByMemory(requested, memoryPerWorker(width, height))
}

// CapPictures returns the number of pictures that may be in flight based on
// available memory. Returns (actualPictures, wasCapped).
func CapPictures(requested int, width, height uint32) (int, bool) {
	return capByMemory(requested, max(PictureBytes(width, height), 1))
}

func capByMemory(requested int, per uint64) (int, bool) {
	maxByMemory := requested // default if we can't determine memory
	if available := AvailableMemoryBytes(); available > 0 {
		usable := uint64(float64(available) * MemoryFraction)
		maxByMemory = max(int(usable/per), 1)
	}

	if requested > maxByMemory {
		return maxByMemory, true
	}
	return requested, false
}

// memoryPerWorker returns estimated memory usage per worker based on resolution.
func memoryPerWorker(width, height uint32) uint64 {
	switch {
	case width >= 3840 || height >= 2160:
		return MemPerWorker4K
	case width >= 1920 || height >= 1080:
		return MemPerWorker1080p
	default:
		return MemPerWorkerSD
	}
}
