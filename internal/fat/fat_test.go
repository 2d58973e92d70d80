package fat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func mustBlank(t *testing.T, sizeMB int) ([]byte, Geometry) {
	t.Helper()
	img, err := BlankImage(sizeMB)
	if err != nil {
		t.Fatalf("BlankImage(%d): %v", sizeMB, err)
	}
	g, err := Resolve(img)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return img, g
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(n)))
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func TestResolveStability(t *testing.T) {
	img, g1 := mustBlank(t, 32)
	g2, err := Resolve(img)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if g1 != g2 {
		t.Fatalf("geometry not stable: %+v vs %+v", g1, g2)
	}
	if g1.FATBits != 16 {
		t.Errorf("32MB image should be FAT16, got %d-bit", g1.FATBits)
	}
	if g1.NumFATs != 2 {
		t.Errorf("NumFATs = %d, want 2", g1.NumFATs)
	}
	if g1.RootEntries != 512 {
		t.Errorf("RootEntries = %d, want 512", g1.RootEntries)
	}

	bps := int64(g1.BytesPerSector)
	rootBytes := (int64(g1.RootEntries*32) + bps - 1) / bps * bps
	if g1.DataStart != g1.RootDirStart+rootBytes {
		t.Errorf("DataStart = %d, want RootDirStart+%d", g1.DataStart, rootBytes)
	}
	for _, off := range []int64{g1.FATStart, g1.FAT2Start, g1.RootDirStart, g1.DataStart} {
		if off%bps != 0 {
			t.Errorf("offset %d not sector aligned", off)
		}
	}
}

func TestResolveRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"nil":      nil,
		"short":    make([]byte, 100),
		"zeros":    make([]byte, 512),
		"bigzeros": make([]byte, 1<<20),
	}
	for name, img := range cases {
		if _, err := Resolve(img); !errors.Is(err, ErrNoGeometry) {
			t.Errorf("%s: err = %v, want ErrNoGeometry", name, err)
		}
	}

	// Plausible boot signature but an out-of-range sector size.
	img := make([]byte, 1<<20)
	img[510], img[511] = 0x55, 0xAA
	binary.LittleEndian.PutUint16(img[11:], 64)
	if _, err := Resolve(img); !errors.Is(err, ErrNoGeometry) {
		t.Errorf("bad sector size: err = %v, want ErrNoGeometry", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	img, g := mustBlank(t, 32)
	payload := randomPayload(t, 5000)
	if err := WriteFile(img, g, "a.txt", payload); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e, err := FindEntry(img, g, "A.TXT")
	if err != nil {
		t.Fatalf("FindEntry: %v", err)
	}
	if e.Size != 5000 {
		t.Errorf("entry size = %d, want 5000", e.Size)
	}
	if e.Attr != AttrArchive {
		t.Errorf("attr = %#x, want archive", e.Attr)
	}

	got, err := ReadBySize(img, g, e)
	if err != nil {
		t.Fatalf("ReadBySize: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("content mismatch after round trip")
	}
}

func TestMultiFileRoundTrip(t *testing.T) {
	img, g := mustBlank(t, 8)
	sizes := []int{0, 1, 511, 512, 513, 40000, 123457}
	for i, n := range sizes {
		name := fmt.Sprintf("file%d.bin", i)
		if err := WriteFile(img, g, name, randomPayload(t, n)); err != nil {
			t.Fatalf("WriteFile(%s, %d bytes): %v", name, n, err)
		}
	}
	files, err := ExtractFiles(img)
	if err != nil {
		t.Fatalf("ExtractFiles: %v", err)
	}
	if len(files) != len(sizes) {
		t.Fatalf("extracted %d files, want %d", len(files), len(sizes))
	}
	for i, n := range sizes {
		want := randomPayload(t, n)
		f := files[i]
		if f.Name != fmt.Sprintf("FILE%d.BIN", i) {
			t.Errorf("name = %q", f.Name)
		}
		if !bytes.Equal(f.Content, want) {
			t.Errorf("%s: content mismatch (%d bytes)", f.Name, n)
		}
	}
}

func TestOverwriteFreesOldChain(t *testing.T) {
	img, g := mustBlank(t, 32)
	if err := WriteFile(img, g, "A.TXT", randomPayload(t, 100)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	e, err := FindEntry(img, g, "A.TXT")
	if err != nil {
		t.Fatalf("FindEntry: %v", err)
	}
	oldChain, err := chainClusters(img, g, e.FirstCluster)
	if err != nil {
		t.Fatalf("chainClusters: %v", err)
	}

	payload := randomPayload(t, 50000)
	if err := WriteFile(img, g, "A.TXT", payload); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	count := 0
	for _, e := range ListEntries(img, g) {
		if e.FullName == "A.TXT" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("found %d A.TXT entries, want 1", count)
	}

	e, err = FindEntry(img, g, "A.TXT")
	if err != nil {
		t.Fatalf("FindEntry after overwrite: %v", err)
	}
	newChain, err := chainClusters(img, g, e.FirstCluster)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if covered := len(newChain) * g.BytesPerCluster(); covered < 50000 {
		t.Errorf("new chain covers %d bytes, want >= 50000", covered)
	}

	// The 100-byte version's clusters must be free in both FAT copies.
	inNew := map[int]bool{}
	for _, cl := range newChain {
		inNew[cl] = true
	}
	for _, cl := range oldChain {
		if inNew[cl] {
			continue
		}
		if v := fatEntry(img, g, cl); v != 0 {
			t.Errorf("cluster %d not freed in FAT #1 (entry %#x)", cl, v)
		}
		if v := binary.LittleEndian.Uint16(img[g.FAT2Start+int64(cl)*2:]); v != 0 {
			t.Errorf("cluster %d not freed in FAT #2 (entry %#x)", cl, v)
		}
	}

	got, err := ReadBySize(img, g, e)
	if err != nil {
		t.Fatalf("ReadBySize: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("content mismatch after overwrite")
	}
}

func TestDiskFullLeavesImageUntouched(t *testing.T) {
	img, err := BlankFloppyImage(360)
	if err != nil {
		t.Fatalf("BlankFloppyImage: %v", err)
	}
	g, err := Resolve(img)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	capacity := CountFreeClusters(img, g) * g.BytesPerCluster()

	before := append([]byte(nil), img...)
	err = WriteFile(img, g, "BIG.BIN", make([]byte, capacity+1))
	if !errors.Is(err, ErrDiskFull) {
		t.Fatalf("err = %v, want ErrDiskFull", err)
	}
	if !bytes.Equal(img, before) {
		t.Fatal("image mutated on a failed write")
	}
}

func TestDirectoryFullLeavesImageUntouched(t *testing.T) {
	img, err := BlankFloppyImage(360)
	if err != nil {
		t.Fatalf("BlankFloppyImage: %v", err)
	}
	g, err := Resolve(img)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < g.RootEntries; i++ {
		name := fmt.Sprintf("F%07d.DAT", i)
		if err := WriteFile(img, g, name, []byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	before := append([]byte(nil), img...)
	err = WriteFile(img, g, "OVERFLOW.DAT", []byte("x"))
	if !errors.Is(err, ErrDirectoryFull) {
		t.Fatalf("err = %v, want ErrDirectoryFull", err)
	}
	if !bytes.Equal(img, before) {
		t.Fatal("image mutated on a failed write")
	}
}

func TestDeleteReusesSlotAndClusters(t *testing.T) {
	img, g := mustBlank(t, 8)
	if err := WriteFile(img, g, "DOOMED.TXT", randomPayload(t, 3000)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	free := CountFreeClusters(img, g)
	if err := Delete(img, g, "DOOMED.TXT"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := FindEntry(img, g, "DOOMED.TXT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry still present after delete: %v", err)
	}
	if got := CountFreeClusters(img, g); got <= free {
		t.Errorf("free clusters %d after delete, want > %d", got, free)
	}
	if err := Delete(img, g, "DOOMED.TXT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestReadByChainOpenFile(t *testing.T) {
	img, g := mustBlank(t, 8)
	payload := randomPayload(t, 3*g.BytesPerCluster()+17)
	if payload[len(payload)-1] == 0 {
		payload[len(payload)-1] = 0xA5 // the trim property needs a non-NUL tail
	}
	if err := WriteFile(img, g, "OPEN.DAT", payload); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e, err := FindEntry(img, g, "OPEN.DAT")
	if err != nil {
		t.Fatalf("FindEntry: %v", err)
	}

	// Simulate a file the guest has not yet closed: size field still zero.
	binary.LittleEndian.PutUint32(img[e.SlotOffset+28:], 0)

	got, err := ReadByChain(img, g, e.FirstCluster)
	if err != nil {
		t.Fatalf("ReadByChain: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("chain read mismatch: got %d bytes, want %d", len(got), len(payload))
	}

	// The extraction path applies the same rule.
	files, err := ExtractFiles(img)
	if err != nil {
		t.Fatalf("ExtractFiles: %v", err)
	}
	if len(files) != 1 || !bytes.Equal(files[0].Content, payload) {
		t.Fatal("extraction did not recover the open file")
	}
}

func TestReadByChainNoData(t *testing.T) {
	img, g := mustBlank(t, 8)
	if got, err := ReadByChain(img, g, 0); err != nil || got != nil {
		t.Errorf("cluster 0: got %v, %v", got, err)
	}

	// An allocated but all-zero cluster trims to nothing.
	if err := WriteFile(img, g, "EMPTY.DAT", make([]byte, 100)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e, _ := FindEntry(img, g, "EMPTY.DAT")
	if got, err := ReadByChain(img, g, e.FirstCluster); err != nil || got != nil {
		t.Errorf("zero content: got %v, %v", got, err)
	}
}

func TestCyclicChainAborts(t *testing.T) {
	img, g := mustBlank(t, 8)
	if err := WriteFile(img, g, "LOOP.DAT", randomPayload(t, 2*g.BytesPerCluster())); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e, _ := FindEntry(img, g, "LOOP.DAT")
	chain, err := chainClusters(img, g, e.FirstCluster)
	if err != nil {
		t.Fatalf("chainClusters: %v", err)
	}
	// Point the tail back at the head.
	setFATEntry(img, g, chain[len(chain)-1], chain[0])

	if _, err := ReadByChain(img, g, e.FirstCluster); !errors.Is(err, ErrChainCorrupt) {
		t.Errorf("cyclic chain err = %v, want ErrChainCorrupt", err)
	}
	if _, err := ReadBySize(img, g, e); !errors.Is(err, ErrChainCorrupt) {
		t.Errorf("cyclic ReadBySize err = %v, want ErrChainCorrupt", err)
	}
}

func TestListEntriesSkipsSpecialSlots(t *testing.T) {
	img, g := mustBlank(t, 8)
	if err := WriteFile(img, g, "REAL.TXT", []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// Hand-craft a volume label and a long-name fragment in front of it.
	e, _ := FindEntry(img, g, "REAL.TXT")
	entry := append([]byte(nil), img[e.SlotOffset:e.SlotOffset+dirEntrySize]...)

	slot0 := img[g.RootDirStart : g.RootDirStart+dirEntrySize]
	slot1 := img[g.RootDirStart+dirEntrySize : g.RootDirStart+2*dirEntrySize]
	slot2 := img[g.RootDirStart+2*dirEntrySize : g.RootDirStart+3*dirEntrySize]
	copy(slot2, entry)
	copy(slot0, padded("SYNCDISK", 8))
	copy(slot0[8:11], padded("", 3))
	slot0[11] = AttrVolumeLabel
	for i := range slot1 {
		slot1[i] = 0
	}
	copy(slot1[0:11], "LONGNAMEFRG")
	slot1[11] = attrLongName

	entries := ListEntries(img, g)
	if len(entries) != 1 || entries[0].FullName != "REAL.TXT" {
		t.Fatalf("entries = %+v, want only REAL.TXT", entries)
	}
}

func TestFAT12EntryPacking(t *testing.T) {
	img, err := BlankFloppyImage(1440)
	if err != nil {
		t.Fatalf("BlankFloppyImage: %v", err)
	}
	g, err := Resolve(img)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.FATBits != 12 {
		t.Fatalf("FATBits = %d, want 12", g.FATBits)
	}

	rng := rand.New(rand.NewSource(1))
	want := map[int]int{}
	for cl := 2; cl < 200; cl++ {
		v := rng.Intn(0xFF8)
		setFATEntry(img, g, cl, v)
		want[cl] = v
	}
	for cl, v := range want {
		if got := fatEntry(img, g, cl); got != v {
			t.Fatalf("cluster %d: entry = %#x, want %#x", cl, got, v)
		}
	}
	// Both copies must carry identical bytes.
	fatLen := int64(g.SectorsPerFAT * g.BytesPerSector)
	if !bytes.Equal(img[g.FATStart:g.FATStart+fatLen], img[g.FAT2Start:g.FAT2Start+fatLen]) {
		t.Fatal("FAT copies diverged")
	}
}

func TestFloppyPresetsRoundTrip(t *testing.T) {
	// Root entry counts of the classic DOS formats.
	wantRoot := map[int]int{360: 64, 720: 112, 1200: 224, 1440: 224, 2880: 240}
	for _, kb := range []int{360, 720, 1200, 1440, 2880} {
		img, err := BlankFloppyImage(kb)
		if err != nil {
			t.Fatalf("%dKB: %v", kb, err)
		}
		g, err := Resolve(img)
		if err != nil {
			t.Fatalf("%dKB resolve: %v", kb, err)
		}
		if g.FATBits != 12 {
			t.Errorf("%dKB: FATBits = %d, want 12", kb, g.FATBits)
		}
		if g.RootEntries != wantRoot[kb] {
			t.Errorf("%dKB: RootEntries = %d, want %d", kb, g.RootEntries, wantRoot[kb])
		}
		if g.PartitionOffset != 0 {
			t.Errorf("%dKB: floppies are unpartitioned, offset = %d", kb, g.PartitionOffset)
		}
		payload := randomPayload(t, 2048)
		if err := WriteFile(img, g, "BOOT.CFG", payload); err != nil {
			t.Fatalf("%dKB write: %v", kb, err)
		}
		e, err := FindEntry(img, g, "BOOT.CFG")
		if err != nil {
			t.Fatalf("%dKB find: %v", kb, err)
		}
		got, err := ReadBySize(img, g, e)
		if err != nil || !bytes.Equal(got, payload) {
			t.Fatalf("%dKB read back failed: %v", kb, err)
		}
	}
	if _, err := BlankFloppyImage(123); err == nil {
		t.Error("unknown preset size should fail")
	}
}

func TestFingerprintTracksMetadataOnly(t *testing.T) {
	img, g := mustBlank(t, 8)
	if err := WriteFile(img, g, "A.TXT", randomPayload(t, 4000)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fp1 := Fingerprint(img, g)
	fp2 := Fingerprint(img, g)
	if fp1 != fp2 {
		t.Fatal("fingerprint not deterministic")
	}

	// A byte inside file data (outside FAT/root-dir regions) is invisible.
	e, _ := FindEntry(img, g, "A.TXT")
	dataOff := g.clusterOffset(e.FirstCluster)
	img[dataOff] ^= 0xFF
	if Fingerprint(img, g) != fp1 {
		t.Error("fingerprint changed on a data-region edit")
	}
	img[dataOff] ^= 0xFF

	// A byte inside the root directory is visible.
	img[g.RootDirStart+5] ^= 0x01
	if Fingerprint(img, g) == fp1 {
		t.Error("fingerprint missed a root-directory edit")
	}
	img[g.RootDirStart+5] ^= 0x01

	// So is one inside FAT #1.
	img[g.FATStart+9] ^= 0x01
	if Fingerprint(img, g) == fp1 {
		t.Error("fingerprint missed a FAT edit")
	}
}

func TestCompareAndRepairFATs(t *testing.T) {
	img, g := mustBlank(t, 8)
	if err := WriteFile(img, g, "KEEP.TXT", randomPayload(t, 9000)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if diffs := CompareFATs(img, g); len(diffs) != 0 {
		t.Fatalf("fresh image FATs differ at %v", diffs)
	}

	// Trash part of FAT #1; the backup copy restores it.
	for i := int64(4); i < 20; i++ {
		img[g.FATStart+i] ^= 0x5A
	}
	if diffs := CompareFATs(img, g); len(diffs) != 16 {
		t.Fatalf("CompareFATs found %d diffs, want 16", len(diffs))
	}
	if changed := RepairFATs(img, g); changed != 16 {
		t.Fatalf("RepairFATs changed %d bytes, want 16", changed)
	}
	if diffs := CompareFATs(img, g); len(diffs) != 0 {
		t.Fatalf("FATs still differ after repair: %v", diffs)
	}
	e, err := FindEntry(img, g, "KEEP.TXT")
	if err != nil {
		t.Fatalf("FindEntry: %v", err)
	}
	if _, err := ReadBySize(img, g, e); err != nil {
		t.Fatalf("file unreadable after repair: %v", err)
	}
}

func TestBuildAndExtractDirectory(t *testing.T) {
	src := t.TempDir()
	want := map[string][]byte{
		"README.TXT": []byte("read me\r\n"),
		"GAME.EXE":   randomPayload(t, 70000),
		"SAVE.DAT":   randomPayload(t, 123),
	}
	for name, content := range want {
		if err := os.WriteFile(filepath.Join(src, name), content, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Subdirectories and oversized files are skipped, not fatal.
	if err := os.Mkdir(filepath.Join(src, "SUBDIR"), 0o755); err != nil {
		t.Fatal(err)
	}

	img, err := BuildFromDirectory(src, 32)
	if err != nil {
		t.Fatalf("BuildFromDirectory: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "out")
	n, err := ExtractToDirectory(img, dst)
	if err != nil {
		t.Fatalf("ExtractToDirectory: %v", err)
	}
	if n != len(want) {
		t.Fatalf("extracted %d files, want %d", n, len(want))
	}
	for name, content := range want {
		got, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("%s: content mismatch", name)
		}
	}
}

func TestExtractSanitizesHostileNames(t *testing.T) {
	img, g := mustBlank(t, 8)
	if err := WriteFile(img, g, "SAFE.TXT", []byte("ok")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(img, g, "JUNK.TXT", []byte("junk")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Rewrite the on-disk names with bytes a host filesystem would interpret
	// as path components.
	e, _ := FindEntry(img, g, "SAFE.TXT")
	copy(img[e.SlotOffset:e.SlotOffset+8], padded("A/B", 8))
	e, _ = FindEntry(img, g, "JUNK.TXT")
	copy(img[e.SlotOffset:e.SlotOffset+8], padded("..", 8))
	copy(img[e.SlotOffset+8:e.SlotOffset+11], padded("", 3))

	dst := filepath.Join(t.TempDir(), "out")
	n, err := ExtractToDirectory(img, dst)
	if err != nil {
		t.Fatalf("ExtractToDirectory: %v", err)
	}
	if n != 1 {
		t.Fatalf("extracted %d files, want 1", n)
	}
	got, err := os.ReadFile(filepath.Join(dst, "B.TXT"))
	if err != nil || !bytes.Equal(got, []byte("ok")) {
		t.Fatalf("B.TXT = %q, %v", got, err)
	}
	entries, err := os.ReadDir(dst)
	if err != nil || len(entries) != 1 {
		t.Fatalf("destination holds %d entries, want 1 (%v)", len(entries), err)
	}
}

func TestClampImageMB(t *testing.T) {
	cases := map[int]int{-3: DefaultImageMB, 0: DefaultImageMB, 1: MinImageMB,
		4: 4, 32: 32, 512: 512, 9999: MaxImageMB}
	for in, want := range cases {
		if got := ClampImageMB(in); got != want {
			t.Errorf("ClampImageMB(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestName83Policy(t *testing.T) {
	cases := map[string]string{
		"a.txt":             "A.TXT",
		"longbasename.json": "LONGBASE.JSO",
		"noext":             "NOEXT",
		"UPPER.C":           "UPPER.C",
		"weird.name.tar":    "WEIRDNAM.TAR",
		"a.b.c":             "AB.C",
		"exactly8.ext":      "EXACTLY8.EXT",
	}
	for in, want := range cases {
		if got := formatted83(in); got != want {
			t.Errorf("formatted83(%q) = %q, want %q", in, got, want)
		}
	}
}
