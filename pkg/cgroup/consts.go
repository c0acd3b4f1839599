package cgroup

const (
	// DefaultRoot is the systemd mounted unified hierarchy
	DefaultRoot = "/sys/fs/cgroup"

	cgroupProcs          = "cgroup.procs"
	cgroupSubtreeControl = "cgroup.subtree_control"
	cpuMax               = "cpu.max"
	memoryMax            = "memory.max"
	memoryEventsLocal    = "memory.events.local"

	// cpuPeriod is the fixed cpu.max period in microseconds
	cpuPeriod = 100000
	// cpuQuotaPerUnit maps one configured cpu unit to quota microseconds
	cpuQuotaPerUnit = 1000

	filePerm = 0644
	dirPerm  = 0755
)
