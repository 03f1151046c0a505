package mumbleproto

import "testing"

func TestTypeNamesMatchWireOrder(t *testing.T) {
	cases := []struct {
		typ  Type
		name string
	}{
		{TypeVersion, "Version"},
		{TypeUDPTunnel, "UDPTunnel"},
		{TypeCryptSetup, "CryptSetup"},
		{TypeUserStats, "UserStats"},
		{TypeSuggestConfig, "SuggestConfig"},
	}
	for _, c := range cases {
		if got := c.typ.String(); got != c.name {
			t.Errorf("Type(%d).String() = %q, want %q", c.typ, got, c.name)
		}
		if !c.typ.Known() {
			t.Errorf("Type(%d) (%s) should be known", c.typ, c.name)
		}
	}

	if unknown := Type(26); unknown.Known() {
		t.Errorf("Type(26) should be outside the known set")
	}
	if got, want := Type(99).String(), "Unknown(99)"; got != want {
		t.Errorf("Type(99).String() = %q, want %q", got, want)
	}
}

func TestPackUnpackVersion(t *testing.T) {
	cases := []struct {
		major, minor, patch uint8
		packed              uint32
	}{
		{1, 2, 4, 0x010204},
		{0, 1, 1, 0x000101},
		{255, 255, 255, 0xFFFFFF},
		{0, 0, 0, 0},
	}
	for _, c := range cases {
		got := PackVersion(c.major, c.minor, c.patch)
		if got != c.packed {
			t.Errorf("PackVersion(%d,%d,%d) = %#x, want %#x", c.major, c.minor, c.patch, got, c.packed)
		}
		major, minor, patch := UnpackVersion(c.packed)
		if major != c.major || minor != c.minor || patch != c.patch {
			t.Errorf("UnpackVersion(%#x) = (%d,%d,%d), want (%d,%d,%d)",
				c.packed, major, minor, patch, c.major, c.minor, c.patch)
		}
	}
}

func TestVersionString(t *testing.T) {
	if got, want := VersionString(PackVersion(1, 2, 4)), "1.2.4"; got != want {
		t.Errorf("VersionString = %q, want %q", got, want)
	}
}
