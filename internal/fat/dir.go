package fat

import (
	"encoding/binary"
	"strings"
)

// Directory entry attribute bits.
const (
	AttrReadOnly    = 0x01
	AttrHidden      = 0x02
	AttrSystem      = 0x04
	AttrVolumeLabel = 0x08
	AttrDirectory   = 0x10
	AttrArchive     = 0x20
	attrLongName    = 0x0F
)

const dirEntrySize = 32

// DirEntry is one live 32-byte slot from the root directory.
type DirEntry struct {
	Name         string // base name, trailing spaces stripped
	Ext          string // extension, trailing spaces stripped
	FullName     string // "NAME.EXT" (or "NAME" when the extension is empty)
	Attr         byte
	FirstCluster int
	Size         uint32
	SlotOffset   int64 // absolute byte offset of the slot inside the image
}

// IsDirectory reports whether the entry describes a subdirectory, which this
// engine lists but never writes.
func (e DirEntry) IsDirectory() bool { return e.Attr&AttrDirectory != 0 }

// ListEntries scans the root directory region and returns the live entries in
// slot order. A name byte of 0x00 terminates the directory, 0xE5 marks a
// reusable slot, long-name fragments and volume labels are skipped.
func ListEntries(img []byte, g Geometry) []DirEntry {
	var entries []DirEntry
	for i := 0; i < g.RootEntries; i++ {
		off := g.RootDirStart + int64(i)*dirEntrySize
		slot := img[off : off+dirEntrySize]
		switch slot[0] {
		case 0x00:
			return entries
		case 0xE5:
			continue
		}
		attr := slot[11]
		if attr&attrLongName == attrLongName {
			continue
		}
		if attr&AttrVolumeLabel != 0 {
			continue
		}
		name := strings.TrimRight(string(slot[0:8]), " ")
		ext := strings.TrimRight(string(slot[8:11]), " ")
		full := name
		if ext != "" {
			full = name + "." + ext
		}
		entries = append(entries, DirEntry{
			Name:         name,
			Ext:          ext,
			FullName:     full,
			Attr:         attr,
			FirstCluster: int(binary.LittleEndian.Uint16(slot[26:])),
			Size:         binary.LittleEndian.Uint32(slot[28:]),
			SlotOffset:   off,
		})
	}
	return entries
}

// FindEntry returns the live entry with the given 8.3 name.
func FindEntry(img []byte, g Geometry, name string) (DirEntry, error) {
	want := formatted83(name)
	for _, e := range ListEntries(img, g) {
		if e.FullName == want {
			return e, nil
		}
	}
	return DirEntry{}, ErrNotFound
}

// splitName83 reduces an arbitrary file name to an upper-case 8.3 pair.
// Overlong components are truncated, not rejected. Dots never survive inside
// the base field; a DOS guest would reject such an entry.
func splitName83(name string) (base, ext string) {
	name = strings.ToUpper(name)
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		base, ext = name[:dot], name[dot+1:]
	} else {
		base = name
	}
	base = strings.ReplaceAll(base, ".", "")
	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	return base, ext
}

// formatted83 is the canonical "NAME.EXT" form of a name after 8.3 reduction.
func formatted83(name string) string {
	base, ext := splitName83(name)
	if ext == "" {
		return base
	}
	return base + "." + ext
}
