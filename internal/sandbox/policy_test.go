package sandbox

import "testing"

func TestPolicy_PlanModeConfinesWritesToPrivateDir(t *testing.T) {
	p := NewPolicy("/private", NewExtensionManager())

	if err := p.CheckWrite(ModePlan, "/private/scratch.txt"); err != nil {
		t.Fatalf("expected write inside private dir to be permitted, got %v", err)
	}
	if err := p.CheckWrite(ModePlan, "/workdir/main.go"); err != ErrWriteDenied {
		t.Fatalf("expected ErrWriteDenied outside private dir, got %v", err)
	}
}

func TestPolicy_ReviewModeConfinesWritesToPrivateDir(t *testing.T) {
	p := NewPolicy("/private", NewExtensionManager())

	if err := p.CheckWrite(ModeReview, "/workdir/main.go"); err != ErrWriteDenied {
		t.Fatalf("expected ErrWriteDenied in review mode, got %v", err)
	}
}

func TestPolicy_BuildModeWithTokenPermitsWorkDir(t *testing.T) {
	ext := NewExtensionManager()
	ext.Acquire("/workdir")
	p := NewPolicy("/private", ext)

	if err := p.CheckWrite(ModeBuild, "/workdir/sub/main.go"); err != nil {
		t.Fatalf("expected write inside extension dir to be permitted, got %v", err)
	}
	if err := p.CheckWrite(ModeBuild, "/elsewhere/main.go"); err != ErrWriteDenied {
		t.Fatalf("expected ErrWriteDenied outside both private and extension dirs, got %v", err)
	}
}

func TestPolicy_BuildModeWithoutTokenDeniesWorkDir(t *testing.T) {
	p := NewPolicy("/private", NewExtensionManager())

	if err := p.CheckWrite(ModeBuild, "/workdir/main.go"); err != ErrWriteDenied {
		t.Fatalf("expected ErrWriteDenied with no token held, got %v", err)
	}
}

func TestPolicy_DowngradeRevokesTokenImmediately(t *testing.T) {
	ext := NewExtensionManager()
	ext.Acquire("/workdir")
	p := NewPolicy("/private", ext)

	if err := p.CheckWrite(ModeBuild, "/workdir/main.go"); err != nil {
		t.Fatalf("expected write permitted before downgrade, got %v", err)
	}

	ext.Downgrade()

	if err := p.CheckWrite(ModeBuild, "/workdir/main.go"); err != ErrWriteDenied {
		t.Fatalf("expected ErrWriteDenied immediately after downgrade, got %v", err)
	}
}
