package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSeccompProfileDefaultDeny(t *testing.T) {
	p := DefaultSeccompProfile()
	assert.Equal(t, "SCMP_ACT_ERRNO", p.DefaultAction)
	assert.NotEmpty(t, p.Architectures)

	var sawPtrace, sawMount bool
	for _, s := range p.Syscalls {
		for _, name := range s.Names {
			if name == "ptrace" {
				sawPtrace = true
				assert.Equal(t, "SCMP_ACT_ERRNO", s.Action)
			}
			if name == "mount" {
				sawMount = true
				assert.Equal(t, "SCMP_ACT_ERRNO", s.Action)
			}
		}
	}
	assert.True(t, sawPtrace, "ptrace should be explicitly denied")
	assert.True(t, sawMount, "mount should be explicitly denied")
}

func TestSeccompProfileWriteTo(t *testing.T) {
	p := DefaultSeccompProfile()
	path := filepath.Join(t.TempDir(), "seccomp.json")
	require.NoError(t, p.WriteTo(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SCMP_ACT_ERRNO")
}

func TestDefaultProfileHardening(t *testing.T) {
	p := DefaultProfile()
	assert.True(t, p.DropAllCaps)
	assert.True(t, p.NoNewPrivileges)
	assert.True(t, p.ReadOnlyRoot)
	assert.False(t, p.AllowNetwork)
	assert.Len(t, p.TmpfsMounts, 2)
}

func TestEmitDockerArgsContainsHardeningFlags(t *testing.T) {
	p := DefaultProfile()
	args := p.EmitDockerArgs("/tmp/seccomp.json")

	assert.Contains(t, args, "--cap-drop=ALL")
	assert.Contains(t, args, "--read-only")
	assert.Contains(t, args, "--network=none")
	assert.Contains(t, args, "--security-opt=no-new-privileges:true")

	var sawSeccompPath bool
	for i, a := range args {
		if a == "seccomp=/tmp/seccomp.json" {
			sawSeccompPath = true
			assert.Equal(t, "--security-opt", args[i-1])
		}
	}
	assert.True(t, sawSeccompPath)
}

func TestEmitDockerArgsAllowsNetworkWhenConfigured(t *testing.T) {
	p := DefaultProfile()
	p.AllowNetwork = true
	args := p.EmitDockerArgs("")
	assert.NotContains(t, args, "--network=none")
}

func TestEmitPodSpecSecurityContext(t *testing.T) {
	p := DefaultProfile()
	spec := p.EmitPodSpec()

	assert.Equal(t, true, spec.SecurityContext["readOnlyRootFilesystem"])
	assert.Equal(t, false, spec.SecurityContext["allowPrivilegeEscalation"])
	caps, ok := spec.SecurityContext["capabilities"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []string{"ALL"}, caps["drop"])

	require.Len(t, spec.Volumes, 2)
	require.Len(t, spec.VolumeMounts, 2)
	assert.Equal(t, "/tmp", spec.VolumeMounts[0]["mountPath"])
}

func TestEmitPodSpecRunAsUserOmittedWhenUnset(t *testing.T) {
	p := DefaultProfile()
	spec := p.EmitPodSpec()
	_, hasUser := spec.SecurityContext["runAsUser"]
	assert.False(t, hasUser, "RunAsUser -1 should be omitted, not emitted as -1")
}
