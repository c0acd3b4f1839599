// Package cgroup manages one control group per container under the cgroup v2
// unified hierarchy (i.e. /sys/fs/cgroup/<id>).
//
// Available controllers form a closed set:
//
//	cpu     cpu.max    "<units*1000> 100000"
//	memory  memory.max bytes parsed from "<n>{k,K,m,M,g,G}"
//
// Every write is mandatory, a failed write aborts the caller.
package cgroup
