package container

import (
	libseccomp "github.com/elastic/go-seccomp-bpf"
)

// DefaultSeccompPolicy allows everything except host-affecting syscalls
func DefaultSeccompPolicy() libseccomp.Policy {
	return libseccomp.Policy{
		DefaultAction: libseccomp.ActionAllow,
		Syscalls: []libseccomp.SyscallGroup{
			{
				Action: libseccomp.ActionErrno,
				Names:  deniedSyscalls,
			},
		},
	}
}

func loadDefaultSeccomp() error {
	return libseccomp.LoadFilter(libseccomp.Filter{
		Flag:   libseccomp.FilterFlagTSync,
		Policy: DefaultSeccompPolicy(),
	})
}
