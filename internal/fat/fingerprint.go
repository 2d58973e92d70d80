package fat

import "hash/fnv"

// Fingerprint folds FAT #1 and the root directory region into a 32-bit
// order-sensitive hash. Any file creation, growth, deletion or rename moves
// bytes in one of the two regions, so the value is a cheap proxy for "the
// filesystem metadata changed" without touching cluster data.
func Fingerprint(img []byte, g Geometry) uint32 {
	h := fnv.New32a()
	fatLen := int64(g.SectorsPerFAT * g.BytesPerSector)
	h.Write(img[g.FATStart : g.FATStart+fatLen])
	h.Write(img[g.RootDirStart:g.DataStart])
	return h.Sum32()
}
