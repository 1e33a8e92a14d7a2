// Package erofs implements a minimal, read-only EROFS walker: just enough
// to locate and read build.prop-style files out of a flat or inline-data
// EROFS image. It does not implement the full EROFS standard.
package erofs

import (
	"encoding/binary"
	"strings"

	"github.com/barnettlynn/flashcore/pkg/lz4"
)

// Magic is the EROFS superblock magic number.
const Magic uint32 = 0xE0F5E1E2

const superblockOffset = 1024

// DataLayout identifies how an inode's data bytes are stored.
type DataLayout uint8

const (
	FlatPlain DataLayout = iota
	CompressedFull
	FlatInline
	CompressedCompact
	ChunkBased
)

// InodeAddressing selects how an inode's byte offset is computed from its
// NID. Simplified reproduces this reader's long-standing `1024 + nid*32`
// formula; OnDisk uses the real EROFS layout
// (`meta_blkaddr*block_size + nid*32`). Neither is silently assumed:
// callers pick one when constructing a Reader.
type InodeAddressing int

const (
	// Simplified matches `1024 + nid*32`, consistent with images produced
	// by tooling that packs inodes immediately after the superblock.
	Simplified InodeAddressing = iota
	// OnDisk matches the real EROFS on-disk layout, reading meta_blkaddr
	// from the superblock and placing inode nid at
	// `meta_blkaddr*block_size + nid*32`.
	OnDisk
)

// Superblock holds the fields this reader actually uses.
type Superblock struct {
	BlockSize   uint32
	RootNID     uint16
	VolumeName  string
	MetaBlkAddr uint32
}

// Reader walks a single EROFS image held fully in memory.
type Reader struct {
	data       []byte
	sb         Superblock
	addressing InodeAddressing
}

// IsErofs reports whether data carries the EROFS magic at the expected
// superblock offset.
func IsErofs(data []byte) bool {
	if len(data) < superblockOffset+4 {
		return false
	}
	return binary.LittleEndian.Uint32(data[superblockOffset:]) == Magic
}

// NewReader parses the superblock of data and returns a Reader using the
// requested inode-addressing scheme. It returns ok=false (never an error)
// if data is not a recognisable EROFS image, matching this reader's
// everything-fails-soft contract.
func NewReader(data []byte, addressing InodeAddressing) (*Reader, bool) {
	if !IsErofs(data) {
		return nil, false
	}
	sbBytes := data[superblockOffset:]

	blkszbits := sbBytes[8]
	rootNID := binary.LittleEndian.Uint16(sbBytes[10:])

	volName := ""
	if len(sbBytes) >= 48+16 {
		raw := sbBytes[48 : 48+16]
		end := len(raw)
		for end > 0 && raw[end-1] == 0 {
			end--
		}
		volName = string(raw[:end])
	}

	var metaBlkAddr uint32
	if len(sbBytes) >= 44 {
		metaBlkAddr = binary.LittleEndian.Uint32(sbBytes[40:44])
	}

	return &Reader{
		data: data,
		sb: Superblock{
			BlockSize:   1 << blkszbits,
			RootNID:     rootNID,
			VolumeName:  volName,
			MetaBlkAddr: metaBlkAddr,
		},
		addressing: addressing,
	}, true
}

// Superblock returns the parsed superblock fields.
func (r *Reader) Superblock() Superblock { return r.sb }

type inode struct {
	nid        uint64
	mode       uint16
	size       uint32
	layout     DataLayout
	rawBlkAddr uint32
	compact    bool
	offset     uint64
	recordLen  uint64
	valid      bool
}

func (r *Reader) inodeOffset(nid uint64) uint64 {
	switch r.addressing {
	case OnDisk:
		return uint64(r.sb.MetaBlkAddr)*uint64(r.sb.BlockSize) + nid*32
	default:
		return superblockOffset + nid*32
	}
}

func (r *Reader) readInode(nid uint64) inode {
	in := inode{nid: nid}
	offset := r.inodeOffset(nid)
	if offset+32 > uint64(len(r.data)) {
		return in
	}

	d := r.data[offset:]
	format := binary.LittleEndian.Uint16(d)
	in.layout = DataLayout((format >> 1) & 0x7)
	in.compact = format&1 == 0
	in.mode = binary.LittleEndian.Uint16(d[2:])
	in.size = binary.LittleEndian.Uint32(d[8:])
	in.rawBlkAddr = binary.LittleEndian.Uint32(d[16:])
	in.offset = offset
	if in.compact {
		in.recordLen = 32
	} else {
		in.recordLen = 64
	}
	in.valid = true
	return in
}

func (r *Reader) readInodeData(in inode) []byte {
	if !in.valid || in.size == 0 {
		return nil
	}

	switch in.layout {
	case FlatPlain:
		offset := uint64(in.rawBlkAddr) * uint64(r.sb.BlockSize)
		if offset+uint64(in.size) > uint64(len(r.data)) {
			return nil
		}
		return r.data[offset : offset+uint64(in.size)]

	case FlatInline:
		dataOffset := in.offset + in.recordLen
		if dataOffset+uint64(in.size) > uint64(len(r.data)) {
			return nil
		}
		return r.data[dataOffset : dataOffset+uint64(in.size)]

	case CompressedFull, CompressedCompact:
		offset := uint64(in.rawBlkAddr) * uint64(r.sb.BlockSize)
		if offset+uint64(r.sb.BlockSize) > uint64(len(r.data)) {
			return nil
		}
		compressed := r.data[offset : offset+uint64(r.sb.BlockSize)]
		return lz4.DecompressBlock(compressed, int(in.size))

	default:
		return nil
	}
}

type dirEntry struct {
	name string
	nid  uint64
}

func (r *Reader) readDirectory(nid uint64) []dirEntry {
	data := r.readInodeData(r.readInode(nid))
	if len(data) == 0 {
		return nil
	}

	var entries []dirEntry
	pos := 0
	for pos+12 <= len(data) {
		childNID := binary.LittleEndian.Uint64(data[pos:])
		nameOff := binary.LittleEndian.Uint16(data[pos+8:])

		nextNameOff := len(data)
		if pos+12+12 <= len(data) {
			next := binary.LittleEndian.Uint16(data[pos+12+8:])
			if int(next) > int(nameOff) && int(next) <= len(data) {
				nextNameOff = int(next)
			}
		}

		nameLen := nextNameOff - int(nameOff)
		if int(nameOff)+nameLen <= len(data) && nameLen > 0 && nameLen < 256 {
			name := string(data[nameOff : int(nameOff)+nameLen])
			if name != "." && name != ".." {
				entries = append(entries, dirEntry{name: name, nid: childNID})
			}
		}

		pos += 12
	}
	return entries
}

// findFile walks path component by component from the root directory,
// returning 0 if any component is missing.
func (r *Reader) findFile(path string) uint64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	current := uint64(r.sb.RootNID)

	for _, part := range parts {
		if part == "" {
			continue
		}
		found := false
		for _, e := range r.readDirectory(current) {
			if e.name == part {
				current = e.nid
				found = true
				break
			}
		}
		if !found {
			return 0
		}
	}
	return current
}

// ReadFile returns the contents of path, or nil if it does not exist.
func (r *Reader) ReadFile(path string) []byte {
	nid := r.findFile(path)
	if nid == 0 {
		return nil
	}
	return r.readInodeData(r.readInode(nid))
}

// FileExists reports whether path resolves to an inode.
func (r *Reader) FileExists(path string) bool {
	return r.findFile(path) != 0
}

// ListDirectory returns the entry names directly inside path ("" or "/"
// for the root directory).
func (r *Reader) ListDirectory(path string) []string {
	nid := uint64(r.sb.RootNID)
	if path != "" && path != "/" {
		nid = r.findFile(path)
	}
	if nid == 0 {
		return nil
	}
	entries := r.readDirectory(nid)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names
}

// ReadBuildProp parses the key=value lines of every readable
// build.prop-style file among the conventional Android partition paths
// and merges them into one map; a key found in a later path overwrites
// the value from an earlier one.
func (r *Reader) ReadBuildProp() map[string]string {
	props := map[string]string{}
	candidates := []string{
		"system/build.prop",
		"build.prop",
		"default.prop",
		"vendor/build.prop",
		"product/build.prop",
	}

	for _, path := range candidates {
		content := r.ReadFile(path)
		if len(content) == 0 {
			continue
		}
		for _, line := range strings.Split(string(content), "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			if eq := strings.Index(trimmed, "="); eq > 0 {
				props[strings.TrimSpace(trimmed[:eq])] = strings.TrimSpace(trimmed[eq+1:])
			}
		}
	}
	return props
}
