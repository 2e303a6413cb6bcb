package safety

import (
	"golang.org/x/sys/unix"
)

// Disk thresholds on the image volume.
const (
	DiskWarnBytes = 1 << 30   // 1 GB
	DiskStopBytes = 200 << 20 // 200 MB
)

// DiskSpace reports free space on the image volume. Captures are vetoed
// below the stop threshold; other actions pass.
type DiskSpace struct {
	path string
	free func(path string) (uint64, error)
}

// NewDiskSpace monitors the filesystem holding path.
func NewDiskSpace(path string) *DiskSpace {
	return &DiskSpace{path: path, free: statfsFree}
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func (d *DiskSpace) Name() string { return "disk_space" }

func (d *DiskSpace) Check() (Action, error) {
	free, err := d.free(d.path)
	if err != nil {
		return ActionQueueStop, err
	}
	switch {
	case free >= DiskWarnBytes:
		return ActionSafe, nil
	case free >= DiskStopBytes:
		return ActionWarn, nil
	default:
		return ActionQueueStop, nil
	}
}

// CheckProposedAction blocks captures when free space is below the stop
// threshold; everything else is allowed.
func (d *DiskSpace) CheckProposedAction(kind string, _ map[string]any) (bool, error) {
	if kind != ProposedCapture {
		return true, nil
	}
	free, err := d.free(d.path)
	if err != nil {
		return false, err
	}
	return free >= DiskStopBytes, nil
}

func (d *DiskSpace) Status() map[string]any {
	st := map[string]any{
		"path":       d.path,
		"warn_bytes": uint64(DiskWarnBytes),
		"stop_bytes": uint64(DiskStopBytes),
	}
	if free, err := d.free(d.path); err == nil {
		st["free_bytes"] = free
	}
	return st
}

var (
	_ Check        = (*DiskSpace)(nil)
	_ ActionVetoer = (*DiskSpace)(nil)
	_ Reporter     = (*DiskSpace)(nil)
)
