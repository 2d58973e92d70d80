package fat

// The engine always writes the two FAT copies together but only ever reads
// copy #1, matching historical DOS drivers. These diagnostics close the gap:
// compare the copies and, when copy #1 is the damaged one, restore it from
// the backup.

// CompareFATs returns the offsets (relative to the start of each FAT copy)
// of bytes that differ between FAT #1 and FAT #2. An empty result means the
// copies are identical.
func CompareFATs(img []byte, g Geometry) []int64 {
	fatLen := int64(g.SectorsPerFAT * g.BytesPerSector)
	var diffs []int64
	for i := int64(0); i < fatLen; i++ {
		if img[g.FATStart+i] != img[g.FAT2Start+i] {
			diffs = append(diffs, i)
		}
	}
	return diffs
}

// RepairFATs copies FAT #2 over FAT #1 and returns the number of bytes that
// changed. It assumes the backup copy is the intact one; run CompareFATs
// first and inspect the volume before trusting the result.
func RepairFATs(img []byte, g Geometry) int {
	fatLen := int64(g.SectorsPerFAT * g.BytesPerSector)
	changed := 0
	for i := int64(0); i < fatLen; i++ {
		if img[g.FATStart+i] != img[g.FAT2Start+i] {
			img[g.FATStart+i] = img[g.FAT2Start+i]
			changed++
		}
	}
	return changed
}
