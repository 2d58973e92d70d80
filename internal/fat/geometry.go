// Package fat implements a self-contained FAT12/16 engine operating on raw
// disk image buffers: geometry resolution from MBR/BPB, root directory
// listing, cluster chain reading, cluster allocation and file writing, blank
// image synthesis and directory import/export.
//
// All operations take the image as a plain byte slice. Readers never mutate
// the buffer; writers either complete fully or leave the buffer untouched.
package fat

import (
	"encoding/binary"
	"errors"
)

// Error taxonomy. Callers match with errors.Is.
var (
	ErrNoGeometry    = errors.New("no valid filesystem geometry")
	ErrDiskFull      = errors.New("disk full")
	ErrDirectoryFull = errors.New("root directory full")
	ErrChainCorrupt  = errors.New("cluster chain corrupt")
	ErrNotFound      = errors.New("file not found")
)

// MBR partition type bytes that indicate a FAT filesystem.
var fatPartitionTypes = map[byte]bool{
	0x01: true, // FAT12
	0x04: true, // FAT16 <32M
	0x06: true, // FAT16
	0x0B: true, // FAT32 CHS
	0x0C: true, // FAT32 LBA
	0x0E: true, // FAT16 LBA
}

// Geometry describes where everything lives inside a FAT12/16 image. It is
// derived from the MBR and BPB and never cached across a mutation of the
// image; resolve it again whenever a buffer changes hands.
type Geometry struct {
	PartitionOffset   int64 // byte offset of the filesystem (0 for raw floppies)
	BytesPerSector    int
	SectorsPerCluster int
	ReservedSectors   int
	NumFATs           int
	RootEntries       int
	SectorsPerFAT     int
	TotalSectors      int64

	FATStart     int64 // absolute byte offset of FAT #1
	FAT2Start    int64 // absolute byte offset of FAT #2
	RootDirStart int64
	DataStart    int64

	ClusterCount int // usable data clusters (cluster indices 2..ClusterCount+1)
	FATBits      int // 12 or 16
}

// BytesPerCluster returns the allocation unit size in bytes.
func (g Geometry) BytesPerCluster() int {
	return g.SectorsPerCluster * g.BytesPerSector
}

// rootDirBytes is the sector-rounded size of the root directory region.
func (g Geometry) rootDirBytes() int {
	bps := g.BytesPerSector
	return (g.RootEntries*32 + bps - 1) / bps * bps
}

// clusterOffset returns the absolute byte offset of a data cluster.
func (g Geometry) clusterOffset(cluster int) int64 {
	return g.DataStart + int64(cluster-2)*int64(g.BytesPerCluster())
}

// validCluster reports whether a cluster index addresses the data region.
func (g Geometry) validCluster(cluster int) bool {
	return cluster >= 2 && cluster < g.ClusterCount+2
}

// endOfChain reports whether a FAT entry value terminates a chain.
func (g Geometry) endOfChain(v int) bool {
	if g.FATBits == 12 {
		return v >= 0xFF8
	}
	return v >= 0xFFF8
}

// eocMark is the value written to terminate a chain.
func (g Geometry) eocMark() int {
	if g.FATBits == 12 {
		return 0xFFF
	}
	return 0xFFFF
}

// Resolve parses an image's MBR and BPB into a Geometry. It returns
// ErrNoGeometry for buffers that do not hold a plausible FAT12/16 volume
// (too small, bad sector size, zero FAT or cluster counts); callers should
// treat that as "filesystem unavailable", not as a fault.
func Resolve(img []byte) (Geometry, error) {
	if len(img) < 512 {
		return Geometry{}, ErrNoGeometry
	}

	offset := partitionOffset(img)
	if offset < 0 || offset+512 > int64(len(img)) {
		return Geometry{}, ErrNoGeometry
	}
	bpb := img[offset : offset+512]

	g := Geometry{
		PartitionOffset:   offset,
		BytesPerSector:    int(binary.LittleEndian.Uint16(bpb[11:])),
		SectorsPerCluster: int(bpb[13]),
		ReservedSectors:   int(binary.LittleEndian.Uint16(bpb[14:])),
		NumFATs:           int(bpb[16]),
		RootEntries:       int(binary.LittleEndian.Uint16(bpb[17:])),
		SectorsPerFAT:     int(binary.LittleEndian.Uint16(bpb[22:])),
	}
	if ts16 := binary.LittleEndian.Uint16(bpb[19:]); ts16 != 0 {
		g.TotalSectors = int64(ts16)
	} else {
		g.TotalSectors = int64(binary.LittleEndian.Uint32(bpb[32:]))
	}

	if g.BytesPerSector < 128 || g.BytesPerSector > 4096 {
		return Geometry{}, ErrNoGeometry
	}
	if g.SectorsPerCluster == 0 || g.NumFATs == 0 || g.SectorsPerFAT == 0 {
		return Geometry{}, ErrNoGeometry
	}
	if g.TotalSectors == 0 || g.RootEntries == 0 {
		return Geometry{}, ErrNoGeometry
	}

	bps := int64(g.BytesPerSector)
	g.FATStart = offset + int64(g.ReservedSectors)*bps
	g.FAT2Start = g.FATStart + int64(g.SectorsPerFAT)*bps
	g.RootDirStart = offset + int64(g.ReservedSectors+g.NumFATs*g.SectorsPerFAT)*bps
	g.DataStart = g.RootDirStart + int64(g.rootDirBytes())

	rootDirSectors := g.rootDirBytes() / g.BytesPerSector
	dataSectors := g.TotalSectors - int64(g.ReservedSectors) -
		int64(g.NumFATs*g.SectorsPerFAT) - int64(rootDirSectors)
	if dataSectors <= 0 {
		return Geometry{}, ErrNoGeometry
	}
	g.ClusterCount = int(dataSectors / int64(g.SectorsPerCluster))
	if g.ClusterCount <= 0 {
		return Geometry{}, ErrNoGeometry
	}
	if g.ClusterCount < 4085 {
		g.FATBits = 12
	} else {
		g.FATBits = 16
	}
	return g, nil
}

// partitionOffset scans the legacy partition table for the first FAT entry.
// Images without a valid table (raw floppies) start at byte 0.
func partitionOffset(img []byte) int64 {
	if img[510] != 0x55 || img[511] != 0xAA {
		return 0
	}
	for i := 0; i < 4; i++ {
		entry := img[446+i*16 : 446+i*16+16]
		ptype := entry[4]
		startLBA := binary.LittleEndian.Uint32(entry[8:])
		sectors := binary.LittleEndian.Uint32(entry[12:])
		if fatPartitionTypes[ptype] && startLBA != 0 && sectors != 0 {
			return int64(startLBA) * 512
		}
	}
	return 0
}
