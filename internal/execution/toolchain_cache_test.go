// Tests for the per-language toolchain cache mounts shared across sandbox
// sessions, keyed through the same runner registry / alias normalization
// C1's language dispatch uses.
package execution

import "testing"

func TestToolchainCacheDisabledByDefault(t *testing.T) {
	m := NewToolchainCacheManager(t.TempDir(), false)
	if m.Enabled() {
		t.Fatal("manager constructed with enabled=false should report disabled")
	}
	if mounts := m.MountsForLanguage("python"); mounts != nil {
		t.Errorf("disabled manager should return no mounts, got %+v", mounts)
	}
}

func TestToolchainCacheNormalizesRunnerAliases(t *testing.T) {
	m := NewToolchainCacheManager(t.TempDir(), true)

	// "node" and "ts" are runner aliases for javascript/typescript; the
	// cache manager should resolve them through GetRunner the same way the
	// C1 dispatch table does, not require the caller to pass canonical
	// language IDs.
	nodeMounts := m.MountsForLanguage("node")
	jsMounts := m.MountsForLanguage("javascript")
	if len(nodeMounts) == 0 || len(jsMounts) == 0 {
		t.Fatalf("expected cache mounts for node/javascript, got node=%+v js=%+v", nodeMounts, jsMounts)
	}
	if nodeMounts[0].ContainerPath != jsMounts[0].ContainerPath {
		t.Errorf("alias %q should resolve to the same mounts as %q", "node", "javascript")
	}
}

func TestToolchainCacheCoversJVMLanguageFamily(t *testing.T) {
	m := NewToolchainCacheManager(t.TempDir(), true)

	// Java, Kotlin, Scala and Groovy all build on Maven-style dependency
	// resolution and should share the same ~/.m2 cache mount.
	for _, lang := range []string{"java", "kotlin", "scala", "groovy"} {
		mounts := m.MountsForLanguage(lang)
		if len(mounts) == 0 {
			t.Errorf("expected a toolchain cache mount for %s", lang)
		}
	}
}

func TestToolchainCacheUnknownLanguageHasNoMounts(t *testing.T) {
	m := NewToolchainCacheManager(t.TempDir(), true)
	if mounts := m.MountsForLanguage("brainfuck"); mounts != nil {
		t.Errorf("unrecognized language should have no cache mounts, got %+v", mounts)
	}
}
