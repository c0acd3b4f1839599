// Package container is the first code executed inside the isolated process.
//
// # Overview
//
// The engine re-executes itself as "<exe> init" inside new pid, mount, uts,
// network and ipc namespaces. Init must be called as early as possible in the
// main package (before flag parsing) and is a noop for any other process.
//
// # Handoff
//
// The parent encodes InitArgs with gob and queues it as a single message on a
// SOCK_SEQPACKET socket before the child starts. The child finds the socket at
// fd 3, reads the message exactly once and closes the socket. A detached
// container additionally receives its log file as unix rights in the same
// message.
//
// # Root switch
//
// In order:
//
//   - redirect stdout / stderr to the log file (detached only)
//   - mount / private recursively
//   - bind mount the merged root onto itself
//   - mkdir merged/.old_root
//   - pivot_root(merged, merged/.old_root)
//   - chdir /
//   - umount(/.old_root, MNT_DETACH) and rmdir it
//   - mount proc at /proc and devtmpfs at /dev
//   - load the default seccomp filter (if enabled)
//   - execve the command
//
// Any failure exits the process with status 1, nothing is retried.
package container
