package priv

import "testing"

func reset() {
	mu.Lock()
	suserEnabled = true
	securelevel = 0
	mu.Unlock()
}

func TestInitGrantsDefaults(t *testing.T) {
	reset()
	c := NewCred()
	Init(c, 1000, 1000)
	if Check(c, PrivVfsRead) != 0 {
		t.Fatal("expected default grant of PrivVfsRead")
	}
	if Check(c, PrivKmemWrite) == 0 {
		t.Fatal("expected PrivKmemWrite to be denied by default")
	}
}

func TestSuperuserBypass(t *testing.T) {
	reset()
	c := NewCred()
	c.EUID = 0
	if err := Check(c, PrivVfsMount); err != 0 {
		t.Fatalf("expected euid-0 to bypass the bitmap check, got %v", err)
	}
}

func TestMaxfilesKeysOffRealUID(t *testing.T) {
	reset()
	c := NewCred()
	c.UID = 1000
	c.EUID = 0
	if err := Check(c, PrivMaxfiles); err == 0 {
		t.Fatal("expected PrivMaxfiles to key off the real uid, not euid")
	}
	c.UID = 0
	if err := Check(c, PrivMaxfiles); err != 0 {
		t.Fatalf("expected uid-0 to grant PrivMaxfiles, got %v", err)
	}
}

func TestKmemReadAlwaysGranted(t *testing.T) {
	reset()
	c := NewCred()
	c.UID, c.EUID = 1000, 1000
	if err := Check(c, PrivKmemRead); err != 0 {
		t.Fatalf("expected PrivKmemRead to always be granted, got %v", err)
	}
}

func TestEffSetRequiresBoundingBit(t *testing.T) {
	reset()
	c := NewCred()
	if err := EffSet(c, PrivVfsAdmin); err == 0 {
		t.Fatal("expected EffSet to fail when the bit is not in the bounding set")
	}
	BoundSet(c, PrivVfsAdmin)
	if err := EffSet(c, PrivVfsAdmin); err != 0 {
		t.Fatalf("expected EffSet to succeed once bounded, got %v", err)
	}
	if Check(c, PrivVfsAdmin) != 0 {
		t.Fatal("expected the newly effective capability to be granted")
	}
}

func TestForkCredReducesEffectiveToBounding(t *testing.T) {
	reset()
	parent := NewCred()
	Init(parent, 1000, 1000)
	// Narrow the parent's bounding set so one of its default grants is
	// no longer bounded, then confirm inheritance strips it from the
	// child's effective set (priv_cred_inherit).
	BoundClear(parent, PrivVfsMount)

	child := ForkCred(parent)
	if Check(parent, PrivVfsMount) != 0 {
		t.Fatal("clearing the bounding bit alone should not affect the still-effective parent")
	}
	if Check(child, PrivVfsMount) == 0 {
		t.Fatal("expected the child's effective PrivVfsMount to be stripped by the narrowed bounding set")
	}
	if Check(child, PrivVfsRead) != 0 {
		t.Fatal("expected unrelated inherited capabilities to survive")
	}
}

func TestForkCredIsIndependentCopy(t *testing.T) {
	reset()
	parent := NewCred()
	Init(parent, 1000, 1000)
	child := ForkCred(parent)
	EffClear(child, PrivVfsRead)
	if Check(parent, PrivVfsRead) != 0 {
		t.Fatal("expected mutating the child's bitmap to leave the parent untouched")
	}
}

func TestCheckCredSignalOtherRequiresUIDMatch(t *testing.T) {
	reset()
	from := NewCred()
	Init(from, 1000, 1000)
	to := NewCred()
	Init(to, 2000, 2000)
	if err := CheckCred(from, to, PrivSignalOther); err == 0 {
		t.Fatal("expected mismatched uids to deny PrivSignalOther")
	}
	to.UID = 1000
	if err := CheckCred(from, to, PrivSignalOther); err != 0 {
		t.Fatalf("expected matching uids to grant PrivSignalOther, got %v", err)
	}
}

func TestGroupIsMember(t *testing.T) {
	reset()
	c := NewCred()
	c.EGID = 100
	c.SupGID = []uint32{200, 300}
	if !GroupIsMember(c, 100) || !GroupIsMember(c, 300) {
		t.Fatal("expected effective and supplementary gids to match")
	}
	if GroupIsMember(c, 400) {
		t.Fatal("expected an unrelated gid not to match")
	}
}

func TestSecurelevelMonotonic(t *testing.T) {
	reset()
	if err := RaiseSecurelevel(2); err != 0 {
		t.Fatalf("raise to 2: %v", err)
	}
	if err := RaiseSecurelevel(1); err == 0 {
		t.Fatal("expected lowering the securelevel to be rejected")
	}
	if SecurelevelGE(2) == 0 {
		t.Fatal("expected SecurelevelGE(2) to report restricted at level 2")
	}
	if SecurelevelGE(3) != 0 {
		t.Fatal("expected SecurelevelGE(3) to report unrestricted below level 3")
	}
}
