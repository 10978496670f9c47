package sandbox

import (
	"fmt"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"safe-eval/pkg/seccomp"
)

// SecurityProfile is the confinement applied to a session container. The
// container itself only idles; guest code runs one level deeper under the
// jail, so the profile must leave room for the jail's namespace setup.
type SecurityProfile struct {
	User            string
	Network         string
	ReadOnlyRoot    bool
	NoNewPrivileges bool
	CapAdd          []string
	Seccomp         *specs.LinuxSeccomp // nil runs unconfined
	AppArmor        string
}

// NewSecurityProfile builds the profile from configuration names.
func NewSecurityProfile(seccompName, apparmor string, caps []string) (SecurityProfile, error) {
	profile, ok := seccomp.Named(seccompName)
	if !ok {
		return SecurityProfile{}, fmt.Errorf("unknown seccomp profile %q", seccompName)
	}
	capAdd := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimPrefix(strings.ToUpper(c), "CAP_")
		if c == "ALL" {
			return SecurityProfile{}, fmt.Errorf("capability ALL is not allowed")
		}
		capAdd = append(capAdd, c)
	}
	return SecurityProfile{
		User:            "65534:65534",
		Network:         "none",
		ReadOnlyRoot:    true,
		NoNewPrivileges: true,
		CapAdd:          capAdd,
		Seccomp:         profile,
		AppArmor:        apparmor,
	}, nil
}

// DefaultSecurityProfile is the jail profile with the capabilities nsjail
// needs to build its namespaces.
func DefaultSecurityProfile() SecurityProfile {
	p, _ := NewSecurityProfile("jail", "", []string{"SYS_ADMIN", "SETUID", "SETGID", "SYS_CHROOT", "SETPCAP"})
	return p
}

// SecurityOpts renders docker --security-opt values. seccompRef is what the
// engine passes for the seccomp profile: a file path for the CLI, inline
// JSON for the API.
func (p SecurityProfile) SecurityOpts(seccompRef string) []string {
	var opts []string
	if p.NoNewPrivileges {
		opts = append(opts, "no-new-privileges")
	}
	if p.Seccomp == nil {
		opts = append(opts, "seccomp=unconfined")
	} else {
		opts = append(opts, "seccomp="+seccompRef)
	}
	if p.AppArmor != "" {
		opts = append(opts, "apparmor="+p.AppArmor)
	}
	return opts
}
