package manifest

import (
	"path/filepath"
	"testing"

	"p2p-park/internal/overlay/types"
)

func mk(master byte, seq uint32) Manifest {
	var m, s types.NodeKey
	m[0] = master
	s[0] = master
	s[1] = 0xAA
	return Manifest{Master: m, Signing: s, Sequence: seq, Signature: []byte{1, 2, 3}}
}

func TestManifestRotationScenario(t *testing.T) {
	// Scenario 5 from the spec, literally: M1 seq=10 accepted, M2 seq=9
	// stale, M3 seq=11 accepted.
	c := New(nil)

	if d := c.ApplyManifest(mk(1, 10), nil); d != Accepted {
		t.Fatalf("M1: got %v, want Accepted", d)
	}
	if d := c.ApplyManifest(mk(1, 9), nil); d != Stale {
		t.Fatalf("M2: got %v, want Stale", d)
	}
	cur, _ := c.Current(types.NodeKey{1})
	if cur.Sequence != 10 {
		t.Fatalf("cache mutated by stale M2: sequence = %d, want 10", cur.Sequence)
	}
	if d := c.ApplyManifest(mk(1, 11), nil); d != Accepted {
		t.Fatalf("M3: got %v, want Accepted", d)
	}
	cur, _ = c.Current(types.NodeKey{1})
	if cur.Sequence != 11 {
		t.Fatalf("sequence = %d, want 11", cur.Sequence)
	}
}

func TestApplySameManifestTwiceIsStale(t *testing.T) {
	c := New(nil)
	m := mk(2, 5)
	if d := c.ApplyManifest(m, nil); d != Accepted {
		t.Fatalf("first apply = %v, want Accepted", d)
	}
	if d := c.ApplyManifest(m, nil); d != Stale {
		t.Fatalf("second apply = %v, want Stale", d)
	}
}

func TestUntrustedManifestNotPersistedConceptually(t *testing.T) {
	c := New(nil)
	validators := map[types.NodeKey]bool{} // master not in roster
	if d := c.ApplyManifest(mk(3, 1), validators); d != Untrusted {
		t.Fatalf("got %v, want Untrusted", d)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenDB(filepath.Join(dir, "manifests.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()

	c := New(nil)
	m := mk(4, 7)
	if d := c.ApplyManifest(m, nil); d != Accepted {
		t.Fatalf("apply = %v, want Accepted", d)
	}
	if err := c.Save(db, m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2 := New(nil)
	if err := c2.Load(db, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cur, ok := c2.Current(m.Master)
	if !ok || cur.Sequence != 7 {
		t.Fatalf("reloaded manifest = %+v, ok=%v", cur, ok)
	}
}
