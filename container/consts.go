package container

const (
	// InitArg is argv[1] of the re-executed container init
	InitArg = "init"

	// oldRoot is the pivot_root staging directory inside the new root
	oldRoot = ".old_root"

	// handoffFd is where the handoff socket is inherited (first ExtraFiles)
	handoffFd = 3

	// handoffSize bounds the encoded InitArgs
	handoffSize = 64 << 10
)

// PathEnv defines path environment variable for the container process
const PathEnv = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// deniedSyscalls fail with EPERM inside the container
var deniedSyscalls = []string{
	"kexec_load",
	"reboot",
	"init_module",
	"finit_module",
	"delete_module",
	"swapon",
	"swapoff",
	"acct",
	"settimeofday",
	"clock_settime",
}
