package orchestrate

import "golang.org/x/sys/unix"

// freeDiskBytes returns free disk space under path, via statfs(2). Follows
// the same resource-aware worker sizing as cmd/zoekt-indexserver's
// Options.validate, which derives limits from runtime.GOMAXPROCS; this
// derives its limit from statfs instead, rather than reaching for a full
// gopsutil dependency for one field.
func freeDiskBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// availableRAMBytes returns free memory as sysinfo(2) reports it (freeram);
// page cache and buffers the kernel could reclaim are not counted.
func availableRAMBytes() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Freeram) * uint64(info.Unit), nil
}

// AutoSortWorkers caps sort parallelism so estimated peak memory stays
// within 80% of available RAM:
// floor(0.8 * available_ram / memory_per_sort).
func AutoSortWorkers(memoryPerSortBytes uint64, requested int) int {
	if memoryPerSortBytes == 0 {
		return requested
	}
	avail, err := availableRAMBytes()
	if err != nil {
		return requested
	}
	limit := int((avail * 8 / 10) / memoryPerSortBytes)
	if limit < 1 {
		limit = 1
	}
	if requested > 0 && requested < limit {
		return requested
	}
	return limit
}
