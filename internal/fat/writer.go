package fat

import "encoding/binary"

// WriteFile stores data under an 8.3 name in the root directory, allocating
// free clusters in ascending order and updating both FAT copies. An existing
// entry with the same name is overwritten and its old chain freed.
//
// The write is all-or-nothing: capacity is validated before anything is
// mutated, so on ErrDiskFull or ErrDirectoryFull the image is byte-identical
// to before the call.
func WriteFile(img []byte, g Geometry, name string, data []byte) error {
	base, ext := splitName83(name)
	full := base
	if ext != "" {
		full = base + "." + ext
	}

	bpc := g.BytesPerCluster()
	need := (len(data) + bpc - 1) / bpc
	if need == 0 {
		need = 1 // even empty files own one cluster
	}

	clusters := freeClusters(img, g, need)
	if len(clusters) < need {
		return ErrDiskFull
	}

	slot, oldFirst, ok := findSlot(img, g, full)
	if !ok {
		return ErrDirectoryFull
	}

	// Capacity confirmed; mutations start here.
	if oldFirst >= 2 {
		FreeChain(img, g, oldFirst)
	}

	for i, cl := range clusters {
		off := g.clusterOffset(cl)
		chunk := data[i*bpc:]
		if len(chunk) > bpc {
			chunk = chunk[:bpc]
		}
		copy(img[off:off+int64(bpc)], chunk)
		for j := len(chunk); j < bpc; j++ {
			img[off+int64(j)] = 0
		}

		if i == len(clusters)-1 {
			setFATEntry(img, g, cl, g.eocMark())
		} else {
			setFATEntry(img, g, cl, clusters[i+1])
		}
	}

	writeDirEntry(img[slot:slot+dirEntrySize], base, ext, clusters[0], uint32(len(data)))
	return nil
}

// Delete removes a file: its chain is freed in both FAT copies and the
// directory slot is marked reusable.
func Delete(img []byte, g Geometry, name string) error {
	e, err := FindEntry(img, g, name)
	if err != nil {
		return err
	}
	if e.FirstCluster >= 2 {
		FreeChain(img, g, e.FirstCluster)
	}
	img[e.SlotOffset] = 0xE5
	return nil
}

// FreeChain walks a chain and zeroes every FAT entry in both copies. The walk
// stops quietly at out-of-range links or the iteration cap; freeing a damaged
// chain releases what it can.
func FreeChain(img []byte, g Geometry, first int) {
	limit := g.ClusterCount + chainCapMargin
	cl := first
	for n := 0; n < limit; n++ {
		if !g.validCluster(cl) {
			return
		}
		next := fatEntry(img, g, cl)
		setFATEntry(img, g, cl, 0)
		if g.endOfChain(next) {
			return
		}
		cl = next
	}
}

// findSlot locates the directory slot for a write: the slot of an existing
// entry with the same name (oldFirst is its chain head), else the first
// free or deleted slot. ok is false when the directory is full.
func findSlot(img []byte, g Geometry, full string) (slot int64, oldFirst int, ok bool) {
	freeSlot := int64(-1)
	for i := 0; i < g.RootEntries; i++ {
		off := g.RootDirStart + int64(i)*dirEntrySize
		b := img[off : off+dirEntrySize]
		if b[0] == 0x00 || b[0] == 0xE5 {
			if freeSlot < 0 {
				freeSlot = off
			}
			if b[0] == 0x00 {
				break // terminator; everything past it is free
			}
			continue
		}
		attr := b[11]
		if attr&attrLongName == attrLongName || attr&AttrVolumeLabel != 0 {
			continue
		}
		name := trimPadded(b[0:8])
		ext := trimPadded(b[8:11])
		got := name
		if ext != "" {
			got = name + "." + ext
		}
		if got == full {
			return off, int(binary.LittleEndian.Uint16(b[26:])), true
		}
	}
	if freeSlot < 0 {
		return 0, 0, false
	}
	return freeSlot, 0, true
}

// writeDirEntry fills a 32-byte slot: space-padded name and extension, the
// archive attribute, zeroed reserved and timestamp fields, first cluster and
// the exact byte length of the content.
func writeDirEntry(slot []byte, base, ext string, firstCluster int, size uint32) {
	for i := range slot {
		slot[i] = 0
	}
	copy(slot[0:8], padded(base, 8))
	copy(slot[8:11], padded(ext, 3))
	slot[11] = AttrArchive
	binary.LittleEndian.PutUint16(slot[26:], uint16(firstCluster))
	binary.LittleEndian.PutUint32(slot[28:], size)
}

func padded(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

func trimPadded(b []byte) string {
	n := len(b)
	for n > 0 && (b[n-1] == ' ' || b[n-1] == 0) {
		n--
	}
	return string(b[:n])
}
