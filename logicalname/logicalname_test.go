package logicalname

import (
	"testing"

	"github.com/badgevms/badgevms/defs"
)

// newFixtureTable reproduces the registration sequence from
// original_source/badgevms/logical_names.c's RUN_TEST main(), used to
// exercise the exact same resolution cases the original verifies.
func newFixtureTable(t *testing.T) *Table {
	t.Helper()
	tbl := New(nil)

	set := func(name, target string, terminal bool) {
		t.Helper()
		if err := tbl.Set(name, target, terminal); err != defs.OK {
			t.Fatalf("set(%q, %q): %v", name, target, err)
		}
	}

	set("SIMPLE", "STRING", false)
	set("DIR1", "SUBST1", false)
	set("DIR2", "SUBST2", false)
	set("DIR3", "SIMPLE", false)
	set("FILE1", "FILENAME.EXT", false)
	set("FILE2", "FILE3", false)
	set("FILE3", "INDIRECT.EXT", false)
	set("SIMPLEDEV:", "MY_SIMPLEDEV:", false)
	set("USER", "FLASH0:[dira]", false)
	set("FLASH0", "MYFLASH", false)
	set("TEST1", "DRIVE0", false)
	set("TEST2", "TEST1:", false)
	set("TEST3", "TEST2:[dira]", false)
	set("TEST4", "TEST3:[dirb]", false)
	set("TEST5", "TEST4:filename.ext", false)

	set("CIRC1", "CIRC2", false)
	set("CIRC2", "CIRC1", false)

	set("CIRC3", "CIRC4", false)
	set("CIRC4", "CIRC3", true)

	set("USER2:", "TERM1", false)
	set("TERM1", "TERM2", false)
	set("TERM2", "TERM3", true)
	set("TERM3", "UNREACHABLE", false)

	set("LIST1", "ONE, TWO, THREE", false)
	set("LIST2", "USER, FLASH0", false)
	set("LIST3", "LIST1, LIST2", false)

	set("SEARCH", "DRIVE0:[SUBDIR], DRIVE0:[SUBDIR.ANOTHER]", false)

	return tbl
}

func TestGetReturnsRegisteredTargets(t *testing.T) {
	tbl := newFixtureTable(t)

	simple, ok := tbl.Get("SIMPLE")
	if !ok {
		t.Fatal("expected SIMPLE to be registered")
	}
	if len(simple.Values) != 1 || simple.Values[0] != "STRING" {
		t.Fatalf("unexpected SIMPLE target: %+v", simple)
	}

	search, ok := tbl.Get("SEARCH")
	if !ok {
		t.Fatal("expected SEARCH to be registered")
	}
	if len(search.Values) != 2 {
		t.Fatalf("expected SEARCH to have 2 targets, got %d", len(search.Values))
	}
	if search.Values[0] != "DRIVE0:[SUBDIR]" || search.Values[1] != "DRIVE0:[SUBDIR.ANOTHER]" {
		t.Fatalf("unexpected SEARCH targets: %+v", search.Values)
	}
}

func TestDelReportsUnknownName(t *testing.T) {
	tbl := newFixtureTable(t)
	if err := tbl.Del("SIMPLE"); err != defs.OK {
		t.Fatalf("del: %v", err)
	}
	if err := tbl.Del("SIMPLE"); err == defs.OK {
		t.Fatal("expected deleting an already-removed name to be reported")
	}
	if _, ok := tbl.Get("SIMPLE"); ok {
		t.Fatal("expected SIMPLE to be gone")
	}
}

func TestSetRejectsEmptyTargetList(t *testing.T) {
	tbl := New(nil)
	if err := tbl.Set("EMPTY", " , , ", false); err == defs.OK {
		t.Fatal("expected an all-whitespace target list to be rejected")
	}
}

// Reproduces the RUN_TEST fixture table verbatim.
func TestResolveFixture(t *testing.T) {
	tbl := newFixtureTable(t)

	cases := []struct {
		in          string
		expect      string
		expectCount int
		idx         int
	}{
		// Undefined strings should pass right through.
		{"STRING", "STRING", 1, 0},
		{"DEVICE:", "DEVICE:", 1, 0},
		{"DEVICE:filename.ext", "DEVICE:filename.ext", 1, 0},
		{"DEVICE:[dira]filename.ext", "DEVICE:[dira]filename.ext", 1, 0},
		{"DEVICE:[dira.dirb.dirc]filename.ext", "DEVICE:[dira.dirb.dirc]filename.ext", 1, 0},

		// Simple substitutions.
		{"SIMPLE", "STRING", 1, 0},
		{"SIMPLEDEV:", "MY_SIMPLEDEV:", 1, 0},

		{"USER:", "MYFLASH:[dira]", 1, 0},
		{"FLASH0:", "MYFLASH:", 1, 0},
		{"FLASH0", "MYFLASH", 1, 0},
		{"USER:file.txt", "MYFLASH:[dira]file.txt", 1, 0},
		{"USER:[dirb.dirc]file.txt", "MYFLASH:[dira.dirb.dirc]file.txt", 1, 0},
		{"TEST1:", "DRIVE0:", 1, 0},
		{"TEST2:", "DRIVE0:", 1, 0},
		{"TEST3:", "DRIVE0:[dira]", 1, 0},
		{"TEST4:", "DRIVE0:[dira.dirb]", 1, 0},
		{"TEST5", "DRIVE0:[dira.dirb]filename.ext", 1, 0},

		// Directory name substitutions.
		{"USER:[DIR1]", "MYFLASH:[dira.SUBST1]", 1, 0},
		{"USER:[DIR1.DIR2]", "MYFLASH:[dira.SUBST1.SUBST2]", 1, 0},
		{"USER:[DIR1.DIR2.DIR3]", "MYFLASH:[dira.SUBST1.SUBST2.STRING]", 1, 0},

		// File name substitutions.
		{"USER:[DIR1]FILE", "MYFLASH:[dira.SUBST1]FILE", 1, 0},
		{"USER:[DIR1]FILE1", "MYFLASH:[dira.SUBST1]FILENAME.EXT", 1, 0},
		{"USER:[DIR1]FILE2", "MYFLASH:[dira.SUBST1]INDIRECT.EXT", 1, 0},

		// Terminals.
		{"CIRC3", "CIRC3", 1, 0},
		{"CIRC4", "CIRC3", 1, 0},
		{"USER2:", "TERM3:", 1, 0},

		// Lists.
		{"LIST1", "ONE", 3, 0},
		{"LIST1", "TWO", 3, 1},
		{"LIST1", "THREE", 3, 2},

		{"LIST2", "MYFLASH:[dira]", 1, 0},
		{"SEARCH:", "DRIVE0:[SUBDIR]", 2, 0},
		{"SEARCH:", "DRIVE0:[SUBDIR.ANOTHER]", 2, 1},

		// Error checks: return the original string for loops.
		{"CIRC1", "CIRC1", 1, 0},
		{"CIRC2", "CIRC2", 1, 0},

		// Bad path, treated as a plain string.
		{"BAD:[unclosed", "BAD:[unclosed", 1, 0},
		{"DOUBLE::COLON", "DOUBLE::COLON", 1, 0},

		// Nested lists get kinda screwy.
		{"LIST3", "ONE", 3, 0},
		{"LIST3", "MYFLASH", 3, 1},
		{"LIST3", "THREE", 3, 2},
	}

	for _, c := range cases {
		got, count := tbl.Resolve(c.in, c.idx)
		if got != c.expect || count != c.expectCount {
			t.Errorf("Resolve(%q, %d) = (%q, %d), want (%q, %d)",
				c.in, c.idx, got, count, c.expect, c.expectCount)
		}
	}
}
