package sandbox

import "testing"

func TestExtensionManager_AcquireReplacesPreviousToken(t *testing.T) {
	m := NewExtensionManager()

	m.Acquire("/first")
	ext, ok := m.Token()
	if !ok || ext.Dir != "/first" {
		t.Fatalf("expected token for /first, got %+v ok=%v", ext, ok)
	}

	m.Acquire("/second")
	ext, ok = m.Token()
	if !ok || ext.Dir != "/second" {
		t.Fatalf("expected token for /second, got %+v ok=%v", ext, ok)
	}
}

func TestExtensionManager_DowngradeWithNoTokenIsSafe(t *testing.T) {
	m := NewExtensionManager()
	m.Downgrade()
	if _, ok := m.Token(); ok {
		t.Fatal("expected no token after downgrade on an empty manager")
	}
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"build", "plan", "review"} {
		if _, err := ParseMode(valid); err != nil {
			t.Fatalf("ParseMode(%q): unexpected error %v", valid, err)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
