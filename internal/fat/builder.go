package fat

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"dossync/internal/workspace"
)

// Image synthesis parameters. The consuming emulator addresses the disk by
// LBA only, so CHS fields in the MBR are placeholders.
const (
	partitionStartLBA = 63
	rootEntryCount    = 512
	mediaFixedDisk    = 0xF8
	mediaFloppy       = 0xF0
	volumeSerial      = 0x19940612

	// Files above this size are skipped during directory imports.
	MaxImportFileSize = 16 << 20
)

// Size bounds for built hard-disk images, in MiB.
const (
	DefaultImageMB = 32
	MinImageMB     = 4
	MaxImageMB     = 512
)

// ClampImageMB forces a requested size into the supported range, substituting
// the default for nonsense.
func ClampImageMB(sizeMB int) int {
	switch {
	case sizeMB <= 0:
		return DefaultImageMB
	case sizeMB < MinImageMB:
		return MinImageMB
	case sizeMB > MaxImageMB:
		return MaxImageMB
	}
	return sizeMB
}

// BlankImage synthesizes a zeroed, formatted FAT16 hard-disk image of
// sizeMB MiB: one bootable MBR partition at LBA 63, a BPB with a cluster
// size chosen to keep the volume in the valid FAT16 range, 512 root entries
// and initialized FAT headers in both copies.
func BlankImage(sizeMB int) ([]byte, error) {
	if sizeMB <= 0 {
		return nil, fmt.Errorf("invalid image size %dMB", sizeMB)
	}
	img := make([]byte, int64(sizeMB)<<20)
	totalSectors := uint32(len(img) / 512)
	if totalSectors <= partitionStartLBA {
		return nil, fmt.Errorf("image too small for a partition: %dMB", sizeMB)
	}
	partSectors := totalSectors - partitionStartLBA

	// MBR: partition entry 1, FAT16 type, placeholder CHS.
	p := img[446:462]
	p[0] = 0x80
	p[1], p[2], p[3] = 0xFE, 0xFF, 0xFF
	p[4] = 0x06
	p[5], p[6], p[7] = 0xFE, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(p[8:], partitionStartLBA)
	binary.LittleEndian.PutUint32(p[12:], partSectors)
	img[510], img[511] = 0x55, 0xAA

	spc, spf, ok := fat16Layout(partSectors)
	if !ok {
		// No candidate keeps the cluster count in [4085, 65524]; fall back
		// to the largest cluster size and let Resolve report what it sees.
		spc = 64
		spf = sectorsPerFATFor(partSectors, spc)
	}

	writeBPB(img[partitionStartLBA*512:], bpbParams{
		oem:             "DOSSYNC ",
		sectorsPerClust: spc,
		rootEntries:     rootEntryCount,
		totalSectors:    partSectors,
		media:           mediaFixedDisk,
		sectorsPerFAT:   spf,
		sectorsPerTrack: 63,
		heads:           255,
		hiddenSectors:   partitionStartLBA,
		driveNumber:     0x80,
		fsType:          "FAT16   ",
	})

	g, err := Resolve(img)
	if err != nil {
		return nil, fmt.Errorf("blank image failed self-check: %w", err)
	}
	initFATHeaders(img, g)
	return img, nil
}

// floppyPreset mirrors the classic DOS floppy formats.
type floppyPreset struct {
	sectorsPerClust uint8
	rootEntries     uint16
	sectorsPerFAT   uint16
	sectorsPerTrack uint16
}

var floppyPresets = map[int]floppyPreset{
	360:  {2, 64, 2, 9},
	720:  {2, 112, 3, 9},
	1200: {1, 224, 7, 15},
	1440: {1, 224, 9, 18},
	2880: {2, 240, 9, 36},
}

// BlankFloppyImage synthesizes an unpartitioned FAT12 floppy image for one of
// the classic capacities (360, 720, 1200, 1440 or 2880 KB).
func BlankFloppyImage(sizeKB int) ([]byte, error) {
	preset, ok := floppyPresets[sizeKB]
	if !ok {
		return nil, fmt.Errorf("no floppy preset for %dKB", sizeKB)
	}
	img := make([]byte, sizeKB*1024)
	writeBPB(img, bpbParams{
		oem:             "DOSSYNC ",
		sectorsPerClust: preset.sectorsPerClust,
		rootEntries:     preset.rootEntries,
		totalSectors:    uint32(len(img) / 512),
		media:           mediaFloppy,
		sectorsPerFAT:   preset.sectorsPerFAT,
		sectorsPerTrack: preset.sectorsPerTrack,
		heads:           2,
		fsType:          "FAT12   ",
	})
	g, err := Resolve(img)
	if err != nil {
		return nil, fmt.Errorf("blank floppy failed self-check: %w", err)
	}
	initFATHeaders(img, g)
	return img, nil
}

// fat16Layout searches candidate cluster sizes for the smallest that keeps
// the data cluster count inside the valid FAT16 range.
func fat16Layout(partSectors uint32) (spc uint8, spf uint16, ok bool) {
	for _, cand := range []uint8{1, 2, 4, 8, 16, 32, 64} {
		spf := sectorsPerFATFor(partSectors, cand)
		clusters := dataClustersFor(partSectors, cand, spf)
		if clusters >= 4085 && clusters <= 65524 {
			return cand, spf, true
		}
	}
	return 0, 0, false
}

// sectorsPerFATFor converges on the FAT size the same way the layout loop in
// a formatter does: guess, recompute the cluster count, repeat.
func sectorsPerFATFor(partSectors uint32, spc uint8) uint16 {
	spf := uint16(1)
	for i := 0; i < 8; i++ {
		clusters := dataClustersFor(partSectors, spc, spf)
		neededBytes := (clusters + 2) * 2
		need := uint16((neededBytes + 511) / 512)
		if need == spf {
			break
		}
		spf = need
	}
	return spf
}

func dataClustersFor(partSectors uint32, spc uint8, spf uint16) uint32 {
	rootDirSectors := uint32(rootEntryCount * 32 / 512)
	reserved := uint32(1)
	data := partSectors - reserved - 2*uint32(spf) - rootDirSectors
	return data / uint32(spc)
}

type bpbParams struct {
	oem             string
	sectorsPerClust uint8
	rootEntries     uint16
	totalSectors    uint32
	media           uint8
	sectorsPerFAT   uint16
	sectorsPerTrack uint16
	heads           uint16
	hiddenSectors   uint32
	driveNumber     uint8
	fsType          string
}

// writeBPB lays down the boot sector of a FAT12/16 volume at sec[0:512].
func writeBPB(sec []byte, p bpbParams) {
	sec[0], sec[1], sec[2] = 0xEB, 0x3C, 0x90
	copy(sec[3:11], padded(p.oem, 8))
	binary.LittleEndian.PutUint16(sec[11:], 512)
	sec[13] = p.sectorsPerClust
	binary.LittleEndian.PutUint16(sec[14:], 1) // reserved sectors
	sec[16] = 2                                // FAT copies
	binary.LittleEndian.PutUint16(sec[17:], p.rootEntries)
	if p.totalSectors <= 0xFFFF {
		binary.LittleEndian.PutUint16(sec[19:], uint16(p.totalSectors))
	} else {
		binary.LittleEndian.PutUint32(sec[32:], p.totalSectors)
	}
	sec[21] = p.media
	binary.LittleEndian.PutUint16(sec[22:], p.sectorsPerFAT)
	binary.LittleEndian.PutUint16(sec[24:], p.sectorsPerTrack)
	binary.LittleEndian.PutUint16(sec[26:], p.heads)
	binary.LittleEndian.PutUint32(sec[28:], p.hiddenSectors)
	sec[36] = p.driveNumber
	sec[38] = 0x29
	binary.LittleEndian.PutUint32(sec[39:], volumeSerial)
	copy(sec[43:54], padded("NO NAME", 11))
	copy(sec[54:62], p.fsType)
	sec[510], sec[511] = 0x55, 0xAA
}

// initFATHeaders writes the media descriptor and end markers that occupy the
// first FAT entries, identically in both copies.
func initFATHeaders(img []byte, g Geometry) {
	for _, base := range []int64{g.FATStart, g.FAT2Start} {
		img[base] = byte(mediaFor(g))
		img[base+1] = 0xFF
		img[base+2] = 0xFF
		if g.FATBits == 16 {
			img[base+3] = 0xFF
		}
	}
}

func mediaFor(g Geometry) int {
	if g.PartitionOffset != 0 {
		return mediaFixedDisk
	}
	return mediaFloppy
}

// ExtractedFile is one file pulled out of an image.
type ExtractedFile struct {
	Name    string
	Content []byte
}

// ExtractFiles reads every regular file from the image's root directory.
// For entries still open in the guest (size recorded as zero, or recorded
// smaller than reality) the chain length wins and trailing zero padding is
// trimmed; otherwise the recorded size is exact. Entries with corrupt chains
// are skipped, not fatal.
func ExtractFiles(img []byte) ([]ExtractedFile, error) {
	g, err := Resolve(img)
	if err != nil {
		return nil, err
	}
	var files []ExtractedFile
	for _, e := range ListEntries(img, g) {
		if e.IsDirectory() || e.FirstCluster < 2 {
			continue
		}
		chain, err := chainClusters(img, g, e.FirstCluster)
		if err != nil {
			log.WithField("file", e.FullName).WithError(err).Warn("skipping entry with corrupt chain")
			continue
		}
		raw := chainBytes(img, g, chain)
		var content []byte
		if e.Size != 0 && int64(e.Size) <= int64(len(raw)) {
			content = raw[:e.Size]
		} else {
			content = trimTrailingZeros(raw)
		}
		files = append(files, ExtractedFile{Name: e.FullName, Content: content})
	}
	return files, nil
}

// ExtractToDirectory writes every file in the image into hostDir, creating it
// if needed, and returns the number of files written. Entry names come from
// raw image bytes and are sanitized before they touch the host filesystem;
// entries whose names reduce to nothing are logged and skipped.
func ExtractToDirectory(img []byte, hostDir string) (int, error) {
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return 0, err
	}
	files, err := ExtractFiles(img)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range files {
		name := workspace.SanitizeName(f.Name)
		if name == "" {
			log.WithField("file", f.Name).Warn("skipping entry with unusable name")
			continue
		}
		if err := os.WriteFile(filepath.Join(hostDir, name), f.Content, 0o644); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// BuildFromDirectory synthesizes a blank image of sizeMB MiB and writes every
// regular file from hostDir into it. Oversized files and per-file write
// failures are logged and skipped; one bad file does not abort the build.
func BuildFromDirectory(hostDir string, sizeMB int) ([]byte, error) {
	img, err := BlankImage(sizeMB)
	if err != nil {
		return nil, err
	}
	g, err := Resolve(img)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(hostDir)
	if err != nil {
		return nil, err
	}
	for _, de := range dirents {
		if !de.Type().IsRegular() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		if fi.Size() > MaxImportFileSize {
			log.WithField("file", de.Name()).Warn("file exceeds import limit, skipping")
			continue
		}
		data, err := os.ReadFile(filepath.Join(hostDir, de.Name()))
		if err != nil {
			log.WithField("file", de.Name()).WithError(err).Warn("cannot read file, skipping")
			continue
		}
		if err := WriteFile(img, g, de.Name(), data); err != nil {
			log.WithField("file", de.Name()).WithError(err).Warn("cannot store file, skipping")
			continue
		}
	}
	return img, nil
}
