package meta

import "fmt"

// LaidOutFile is one entry of a flattened, piece-aligned file layout:
// either a real content file or a synthetic pad file inserted to push the
// next real file's start back onto a piece boundary.
type LaidOutFile struct {
	File   *File // nil for a pad entry
	Offset int64 // byte offset within the torrent's logical content stream
	Length int64
	Pad    bool
}

// BuildPadFiles lays info's files out back-to-back and inserts a pad
// entry before any file that would otherwise start mid-piece, so every
// real file begins on a piece boundary. This lets the disk scheduler
// treat "does this write span a file boundary" and "does this write
// cross a piece boundary" as independent questions.
//
// Single-file torrents need no padding and are returned as a single
// non-pad entry spanning the whole content.
//
// Files already carrying a BEP 47 pad attribute (IsPad) are passed
// through unmodified rather than re-padded; this only applies to
// computing a layout from a metainfo that doesn't already describe one.
func BuildPadFiles(info *Info) ([]LaidOutFile, error) {
	if info == nil {
		return nil, fmt.Errorf("meta: nil info")
	}
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("meta: non-positive piece length")
	}

	if len(info.Files) == 0 {
		return []LaidOutFile{{File: &File{Length: info.Length, Path: []string{info.Name}}, Offset: 0, Length: info.Length}}, nil
	}

	align := int64(info.PieceLength)
	var (
		out     []LaidOutFile
		off     int64
		padSeen int
	)

	for _, f := range info.Files {
		if f.IsPad() {
			out = append(out, LaidOutFile{File: f, Offset: off, Length: f.Length, Pad: true})
			off += f.Length
			continue
		}

		if rem := off % align; rem != 0 {
			padSize := align - rem
			padPath := []string{".____padding_file", fmt.Sprintf("%d", padSeen)}
			out = append(out, LaidOutFile{
				File:   &File{Length: padSize, Path: padPath, Attr: "p"},
				Offset: off,
				Length: padSize,
				Pad:    true,
			})
			off += padSize
			padSeen++
		}

		out = append(out, LaidOutFile{File: f, Offset: off, Length: f.Length})
		off += f.Length
	}

	return out, nil
}
