// Direct backend unit tests that don't need an interpreter installed:
// resource-limit wiring (RunAsUser/RunAsGroup), StrictIsolation's
// environment scrubbing, and language discovery driven by the same C1
// runner registry buildDockerArgs and the container backend rely on.
package execution

import (
	"os/exec"
	"runtime"
	"syscall"
	"testing"
)

func newTestSandbox(t *testing.T, mutate func(*SandboxConfig)) *Sandbox {
	t.Helper()
	cfg := DefaultSandboxConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewSandbox(cfg)
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	return s
}

func TestApplyResourceLimitsDropsToPinnedUser(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("uid/gid drop only applies on linux")
	}

	s := newTestSandbox(t, func(c *SandboxConfig) {
		c.RunAsUser = 1000
		c.RunAsGroup = 1000
		c.MemoryLimit = 0
		c.CPULimit = 0
	})

	cmd := exec.Command("true")
	s.applyResourceLimits(cmd)

	if cmd.SysProcAttr == nil || cmd.SysProcAttr.Credential == nil {
		t.Fatal("expected a Credential to be set on SysProcAttr when RunAsUser/RunAsGroup are pinned")
	}
	want := syscall.Credential{Uid: 1000, Gid: 1000}
	if *cmd.SysProcAttr.Credential != want {
		t.Errorf("got credential %+v, want %+v", *cmd.SysProcAttr.Credential, want)
	}
}

func TestApplyResourceLimitsLeavesCredentialUnsetByDefault(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("uid/gid drop only applies on linux")
	}

	s := newTestSandbox(t, func(c *SandboxConfig) {
		c.MemoryLimit = 0
		c.CPULimit = 0
	})

	cmd := exec.Command("true")
	s.applyResourceLimits(cmd)

	if cmd.SysProcAttr.Credential != nil {
		t.Errorf("expected no Credential when RunAsUser/RunAsGroup are left at -1 (default), got %+v", cmd.SysProcAttr.Credential)
	}
}

func TestBuildEnvironmentStrictIsolationDropsCallerEnv(t *testing.T) {
	s := newTestSandbox(t, func(c *SandboxConfig) {
		c.StrictIsolation = true
		c.Environment = map[string]string{"SECRET_TOKEN": "leak-me"}
	})

	env := s.buildEnvironment()
	for _, kv := range env {
		if kv == "SECRET_TOKEN=leak-me" {
			t.Error("StrictIsolation should drop caller-supplied environment variables")
		}
	}
}

func TestBuildEnvironmentPassesCallerEnvWhenNotStrict(t *testing.T) {
	s := newTestSandbox(t, func(c *SandboxConfig) {
		c.StrictIsolation = false
		c.Environment = map[string]string{"BUILD_ID": "42"}
	})

	env := s.buildEnvironment()
	found := false
	for _, kv := range env {
		if kv == "BUILD_ID=42" {
			found = true
		}
	}
	if !found {
		t.Error("expected caller-supplied BUILD_ID to reach the process environment when StrictIsolation is off")
	}
}

func TestDetectLanguageFromFileUsesRunnerRegistry(t *testing.T) {
	cases := map[string]string{
		"main.py":  "python",
		"main.go":  "go",
		"main.rs":  "rust",
		"index.js": "javascript",
		"index.ts": "typescript",
		"main.kt":  "kotlin",
	}
	for file, want := range cases {
		if got := detectLanguageFromFile(file); got != want {
			t.Errorf("detectLanguageFromFile(%q) = %q, want %q", file, got, want)
		}
	}
	if got := detectLanguageFromFile("notes.txt"); got != "" {
		t.Errorf("detectLanguageFromFile for an unregistered extension should be empty, got %q", got)
	}
}

func TestGetSupportedLanguagesCoversFullRegistry(t *testing.T) {
	registered := RegisteredLanguages()
	reported := GetSupportedLanguages()

	if len(reported) != len(registered) {
		t.Fatalf("GetSupportedLanguages reported %d languages, runner registry has %d", len(reported), len(registered))
	}

	byID := make(map[string]SupportedLanguage, len(reported))
	for _, l := range reported {
		byID[l.ID] = l
	}
	for _, id := range registered {
		lang, ok := byID[id]
		if !ok {
			t.Errorf("registered language %q missing from GetSupportedLanguages output", id)
			continue
		}
		if lang.Name == "" {
			t.Errorf("language %q has an empty display name", id)
		}
		if len(lang.Extensions) == 0 {
			t.Errorf("language %q reports no file extensions", id)
		}
	}
}
