package fat

import "encoding/binary"

// fatEntry reads a cluster's entry from FAT #1. FAT12 entries are packed two
// per three bytes; FAT16 entries are two little-endian bytes each.
func fatEntry(img []byte, g Geometry, cluster int) int {
	if g.FATBits == 12 {
		off := g.FATStart + int64(cluster)*3/2
		lo := int(img[off])
		hi := int(img[off+1])
		if cluster%2 == 0 {
			return lo | (hi&0x0F)<<8
		}
		return lo>>4 | hi<<4
	}
	off := g.FATStart + int64(cluster)*2
	return int(binary.LittleEndian.Uint16(img[off:]))
}

// setFATEntry writes a cluster's entry into both FAT copies. The second copy
// is a consistency backup; the two are always written together.
func setFATEntry(img []byte, g Geometry, cluster, value int) {
	for _, base := range []int64{g.FATStart, g.FAT2Start} {
		if g.FATBits == 12 {
			off := base + int64(cluster)*3/2
			if cluster%2 == 0 {
				img[off] = byte(value)
				img[off+1] = img[off+1]&0xF0 | byte(value>>8)&0x0F
			} else {
				img[off] = img[off]&0x0F | byte(value<<4)
				img[off+1] = byte(value >> 4)
			}
		} else {
			off := base + int64(cluster)*2
			binary.LittleEndian.PutUint16(img[off:], uint16(value))
		}
	}
}

// freeClusters returns the first want free cluster indices in ascending
// order, or fewer if the volume does not have that many.
func freeClusters(img []byte, g Geometry, want int) []int {
	free := make([]int, 0, want)
	for cl := 2; cl < g.ClusterCount+2 && len(free) < want; cl++ {
		if fatEntry(img, g, cl) == 0 {
			free = append(free, cl)
		}
	}
	return free
}

// CountFreeClusters reports how many clusters are unallocated.
func CountFreeClusters(img []byte, g Geometry) int {
	n := 0
	for cl := 2; cl < g.ClusterCount+2; cl++ {
		if fatEntry(img, g, cl) == 0 {
			n++
		}
	}
	return n
}
