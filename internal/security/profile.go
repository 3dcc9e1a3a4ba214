// Package security composes the sandbox's isolation policy — seccomp
// syscall filtering, Linux capability drop, no-new-privileges, and a
// read-only root filesystem with scoped tmpfs exceptions — into a single
// Profile that can emit itself as either Docker CLI arguments or a
// Kubernetes pod spec fragment, so the container and pod backends enforce
// the same policy through two different wire shapes.
package security

import (
	"encoding/json"
	"fmt"
	"os"
)

// SeccompProfile is the on-disk seccomp filter document, matching the
// shape Docker's --security-opt seccomp=<path> expects.
type SeccompProfile struct {
	DefaultAction string           `json:"defaultAction"`
	Architectures []string         `json:"architectures"`
	Syscalls      []SeccompSyscall `json:"syscalls"`
}

// SeccompSyscall allows or blocks one or more syscalls, optionally only for
// specific argument values.
type SeccompSyscall struct {
	Names  []string     `json:"names"`
	Action string       `json:"action"`
	Args   []SeccompArg `json:"args,omitempty"`
}

// SeccompArg conditions a syscall rule on one argument's value.
type SeccompArg struct {
	Index uint   `json:"index"`
	Value uint64 `json:"value"`
	Op    string `json:"op"`
}

// DefaultSeccompProfile returns the sandbox's default-deny whitelist: every
// syscall needed for ordinary process execution is allowed, a handful of
// syscalls that would let a sandboxed process escape or tamper with the
// host (ptrace, mount, reboot, kexec) are explicitly denied, and anything
// not listed falls through to the DefaultAction (SCMP_ACT_ERRNO).
func DefaultSeccompProfile() SeccompProfile {
	return SeccompProfile{
		DefaultAction: "SCMP_ACT_ERRNO",
		Architectures: []string{
			"SCMP_ARCH_X86_64", "SCMP_ARCH_X86", "SCMP_ARCH_AARCH64", "SCMP_ARCH_ARM",
		},
		Syscalls: []SeccompSyscall{
			{Names: []string{"read", "write", "open", "close", "stat", "fstat", "lstat"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"poll", "lseek", "mmap", "mprotect", "munmap", "brk"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "ioctl"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"access", "pipe", "select", "sched_yield", "mremap"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"dup", "dup2", "pause", "nanosleep", "getpid"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"socket", "connect", "sendto", "recvfrom", "bind"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"listen", "getsockname", "getpeername", "setsockopt", "getsockopt"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"clone", "fork", "vfork", "execve", "exit", "exit_group"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"wait4", "kill", "uname", "fcntl", "flock", "fsync"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"getdents", "getdents64", "getcwd", "chdir", "rename"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"mkdir", "rmdir", "creat", "link", "unlink", "symlink", "readlink"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"chmod", "fchmod", "chown", "fchown", "lchown", "umask"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"gettimeofday", "getrlimit", "setrlimit", "getrusage"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"getuid", "getgid", "geteuid", "getegid", "setpgid", "getppid", "getpgid", "setsid"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"rt_sigpending", "rt_sigtimedwait", "sigaltstack", "arch_prctl"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"futex", "sched_setaffinity", "sched_getaffinity", "set_tid_address"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"clock_gettime", "clock_getres", "clock_nanosleep", "epoll_wait", "epoll_ctl", "epoll_create1"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"openat", "mkdirat", "fchownat", "newfstatat", "unlinkat", "renameat", "readlinkat", "fchmodat", "faccessat"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"pselect6", "ppoll", "set_robust_list", "get_robust_list"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"prlimit64", "getrandom", "memfd_create", "copy_file_range", "statx"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"tgkill", "restart_syscall", "sigreturn"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"ptrace"}, Action: "SCMP_ACT_ERRNO", Args: []SeccompArg{{Index: 0, Value: 0, Op: "SCMP_CMP_NE"}}},
			{Names: []string{"mount", "umount2", "reboot", "swapon", "swapoff"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"kexec_load", "kexec_file_load", "acct", "init_module", "delete_module"}, Action: "SCMP_ACT_ERRNO"},
		},
	}
}

// WriteTo serializes the profile to path as the Docker seccomp JSON format.
func (p SeccompProfile) WriteTo(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal seccomp profile: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Profile is the sandbox's full isolation policy for one execution.
type Profile struct {
	Seccomp          SeccompProfile
	SeccompPath      string // where the profile has been (or will be) written for Docker
	DropAllCaps      bool
	AddCaps          []string
	NoNewPrivileges  bool
	ReadOnlyRoot     bool
	TmpfsMounts      []TmpfsMount
	AllowNetwork     bool
	RunAsUser        int64 // -1 = unset
	RunAsGroup       int64
}

// TmpfsMount describes one in-memory scratch filesystem exposed inside the
// sandbox despite the read-only root.
type TmpfsMount struct {
	Path    string
	SizeMB  int
	Exec    bool
	Mode    string // e.g. "1777"
}

// DefaultProfile returns the sandbox's standard policy: default-deny
// seccomp, all capabilities dropped, no-new-privileges, read-only root with
// a writable /tmp and /work, and no network access.
func DefaultProfile() Profile {
	return Profile{
		Seccomp:         DefaultSeccompProfile(),
		DropAllCaps:     true,
		NoNewPrivileges: true,
		ReadOnlyRoot:    true,
		AllowNetwork:    false,
		RunAsUser:       -1,
		RunAsGroup:      -1,
		TmpfsMounts: []TmpfsMount{
			{Path: "/tmp", SizeMB: 64, Exec: true, Mode: "1777"},
			{Path: "/work", SizeMB: 32, Exec: true, Mode: "1777"},
		},
	}
}

// EmitDockerArgs renders the profile as `docker run` CLI flags. seccompPath
// must already have the profile written to it (WriteTo); this method does
// not perform I/O.
func (p Profile) EmitDockerArgs(seccompPath string) []string {
	var args []string

	if p.DropAllCaps {
		args = append(args, "--cap-drop=ALL")
	}
	for _, cap := range p.AddCaps {
		args = append(args, "--cap-add="+cap)
	}
	if p.NoNewPrivileges {
		args = append(args, "--security-opt=no-new-privileges:true")
	}
	if seccompPath != "" {
		args = append(args, "--security-opt", fmt.Sprintf("seccomp=%s", seccompPath))
	}
	if p.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	for _, m := range p.TmpfsMounts {
		execFlag := "noexec"
		if m.Exec {
			execFlag = "exec"
		}
		args = append(args, "--tmpfs", fmt.Sprintf("%s:rw,%s,nosuid,size=%dm,mode=%s", m.Path, execFlag, m.SizeMB, m.Mode))
	}
	if !p.AllowNetwork {
		args = append(args, "--network=none")
	}
	if p.RunAsUser >= 0 {
		user := fmt.Sprintf("%d", p.RunAsUser)
		if p.RunAsGroup >= 0 {
			user = fmt.Sprintf("%d:%d", p.RunAsUser, p.RunAsGroup)
		}
		args = append(args, "--user", user)
	}
	return args
}

// PodSecuritySpec is the subset of a Kubernetes pod spec this profile
// controls, expressed as plain maps so the pod backend can marshal it
// straight into the JSON body of a REST create-pod call without depending
// on the Kubernetes client libraries.
type PodSecuritySpec struct {
	SecurityContext map[string]interface{} `json:"securityContext"`
	Volumes         []map[string]interface{} `json:"volumes"`
	VolumeMounts    []map[string]interface{} `json:"volumeMounts"`
}

// EmitPodSpec renders the profile as the security-relevant fragment of a
// pod spec: a securityContext plus the tmpfs volumes/mounts needed to keep
// the container usable despite a read-only root filesystem.
func (p Profile) EmitPodSpec() PodSecuritySpec {
	sc := map[string]interface{}{
		"readOnlyRootFilesystem":  p.ReadOnlyRoot,
		"allowPrivilegeEscalation": !p.NoNewPrivileges,
	}
	caps := map[string]interface{}{}
	if p.DropAllCaps {
		caps["drop"] = []string{"ALL"}
	}
	if len(p.AddCaps) > 0 {
		caps["add"] = p.AddCaps
	}
	if len(caps) > 0 {
		sc["capabilities"] = caps
	}
	if p.RunAsUser >= 0 {
		sc["runAsUser"] = p.RunAsUser
	}
	if p.RunAsGroup >= 0 {
		sc["runAsGroup"] = p.RunAsGroup
	}
	if p.Seccomp.DefaultAction != "" {
		sc["seccompProfile"] = map[string]interface{}{"type": "RuntimeDefault"}
	}

	var volumes, mounts []map[string]interface{}
	for i, m := range p.TmpfsMounts {
		name := fmt.Sprintf("scratch-%d", i)
		volumes = append(volumes, map[string]interface{}{
			"name": name,
			"emptyDir": map[string]interface{}{
				"medium":    "Memory",
				"sizeLimit": fmt.Sprintf("%dMi", m.SizeMB),
			},
		})
		mounts = append(mounts, map[string]interface{}{
			"name":      name,
			"mountPath": m.Path,
		})
	}

	return PodSecuritySpec{
		SecurityContext: sc,
		Volumes:         volumes,
		VolumeMounts:    mounts,
	}
}
