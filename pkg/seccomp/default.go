package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
			"ftruncate", "fsync", "fdatasync", "flock",
			"statfs", "fstatfs",
			"umask", "chdir", "fchdir", "getcwd",
			"unlink", "unlinkat", "mkdir", "mkdirat", "rename", "renameat", "renameat2",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
			"memfd_create",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "vfork", "fork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
		).
		AllowSyscalls(
			"futex", "futex_waitv",
			"gettid", "tgkill", "kill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend",
			"sigaltstack",
			"sched_yield", "sched_getaffinity",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday",
			"nanosleep", "clock_nanosleep",
			"timerfd_create", "timerfd_settime",
		).
		AllowSyscalls(
			"getpid", "getppid", "getpgrp", "setsid",
			"getuid", "geteuid", "getgid", "getegid", "getgroups",
			"getresuid", "getresgid",
			"uname", "sysinfo",
			"getrlimit", "prlimit64", "getrusage",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd", "eventfd2",
			"getrandom", "arch_prctl", "prctl", "ioctl",
		)
}

// jailSyscalls are what nsjail itself needs to build the guest's namespaces,
// chroot, and uid mapping before it drops to the guest user.
func jailSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"unshare", "setns",
		"mount", "umount2", "pivot_root", "chroot",
		"sethostname",
		"setuid", "setgid", "setresuid", "setresgid", "setgroups",
		"capget", "capset",
		"setrlimit",
		"seccomp",
		"socketpair", "sendmsg", "recvmsg",
		"chown", "fchown", "fchownat",
		"chmod", "fchmod", "fchmodat",
	)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"reboot",
			"swapon", "swapoff",
			"setdomainname",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
			"open_by_handle_at",
		)
}

// DefaultProfile is the plain guest allowlist without the syscalls the jail
// needs. It suits containers that run the interpreter directly.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = dangerousSyscalls(b)
	b.BlockSyscalls("mount", "umount2", "pivot_root", "setns", "unshare", "sethostname")
	return b.Build()
}

// JailProfile extends the guest allowlist with namespace and credential
// syscalls so nsjail can run inside the session container. Network sockets
// stay denied.
func JailProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = dangerousSyscalls(b)
	b = baseSyscalls(b)
	b = jailSyscalls(b)
	return b.Build()
}

// Named resolves a profile name from configuration. "unconfined" and the
// empty string yield nil.
func Named(name string) (*specs.LinuxSeccomp, bool) {
	switch name {
	case "jail":
		return JailProfile(), true
	case "default":
		return DefaultProfile(), true
	case "", "unconfined":
		return nil, true
	}
	return nil, false
}

// DockerProfileJSON returns the jail profile as Docker seccomp JSON.
func DockerProfileJSON() ([]byte, error) {
	return Marshal(JailProfile())
}
