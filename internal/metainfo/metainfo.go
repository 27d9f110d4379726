// Package metainfo decodes bencoded .torrent files into an immutable
// in-memory descriptor.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/bencode"
)

// ErrMalformedMetainfo is returned when the bencoded descriptor is missing
// required keys, has inconsistent lengths, or names a multi-file payload.
var ErrMalformedMetainfo = errors.New("metainfo: malformed descriptor")

// BlockLength is the conventional block size requested within a piece.
const BlockLength = 16 * 1024

// MetaInfo is the top-level bencoded dictionary of a .torrent file.
type MetaInfo struct {
	Info         *Info              `bencode:"-"`
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	CreationDate int64              `bencode:"creation date"`
	Comment      string             `bencode:"comment"`
	CreatedBy    string             `bencode:"created by"`
	Encoding     string             `bencode:"encoding"`
}

// Info is the decoded `info` sub-dictionary, plus fields derived from it.
type Info struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int64  `bencode:"length"`
	Private     int64  `bencode:"private"`

	// Files is only decoded to detect (and reject) multi-file torrents.
	Files []struct {
		Length int64    `bencode:"length"`
		Path   []string `bencode:"path"`
	} `bencode:"files"`

	// Hash is the SHA-1 digest of the raw bencoded info dictionary.
	Hash [20]byte `bencode:"-"`

	// NumPieces is ceil(Length / PieceLength).
	NumPieces int `bencode:"-"`

	raw []byte
}

// New decodes a .torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	var mi MetaInfo
	if err := bencode.NewDecoder(r).Decode(&mi); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMetainfo, err)
	}
	if len(mi.RawInfo) == 0 {
		return nil, fmt.Errorf("%w: no info dictionary", ErrMalformedMetainfo)
	}
	info, err := NewInfo(mi.RawInfo)
	if err != nil {
		return nil, err
	}
	mi.Info = info
	if mi.Announce == "" && len(mi.AnnounceList) == 0 {
		return nil, fmt.Errorf("%w: no announce url", ErrMalformedMetainfo)
	}
	return &mi, nil
}

// NewInfo decodes and validates the raw bencoded info dictionary, computing
// its SHA-1 digest by re-encoding it canonically.
func NewInfo(raw []byte) (*Info, error) {
	var info Info
	if err := bencode.DecodeBytes(raw, &info); err != nil {
		return nil, fmt.Errorf("%w: info dict: %s", ErrMalformedMetainfo, err)
	}
	if info.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrMalformedMetainfo)
	}
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: non-positive piece length", ErrMalformedMetainfo)
	}
	if info.Length <= 0 {
		return nil, fmt.Errorf("%w: non-positive length", ErrMalformedMetainfo)
	}
	if len(info.Files) > 0 {
		return nil, fmt.Errorf("%w: multi-file torrents are not supported", ErrMalformedMetainfo)
	}
	if len(info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: pieces length %d is not a multiple of 20", ErrMalformedMetainfo, len(info.Pieces))
	}

	// Re-encode canonically to compute the info digest, rather than trusting
	// the caller's raw bytes verbatim. The generic decoded value is encoded,
	// not the Info struct, so every key of the dictionary is kept and no
	// zero-valued struct field is added.
	var generic interface{}
	if err := bencode.DecodeBytes(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: info dict: %s", ErrMalformedMetainfo, err)
	}
	canonical, err := bencode.EncodeBytes(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: re-encoding info dict: %s", ErrMalformedMetainfo, err)
	}
	info.Hash = sha1.Sum(canonical)
	info.raw = canonical
	info.NumPieces = int((info.Length + info.PieceLength - 1) / info.PieceLength)
	if info.NumPieces != len(info.Pieces)/20 {
		return nil, fmt.Errorf("%w: piece count %d does not match digest count %d", ErrMalformedMetainfo, info.NumPieces, len(info.Pieces)/20)
	}
	return &info, nil
}

// Bytes returns the canonical bencoded info dictionary.
func (i *Info) Bytes() []byte {
	return i.raw
}

// PieceDigest returns the expected 20-byte SHA-1 digest for piece index.
func (i *Info) PieceDigest(index int) [20]byte {
	var d [20]byte
	copy(d[:], i.Pieces[index*20:index*20+20])
	return d
}

// PieceLengthAt returns the length in bytes of the piece at index, which is
// PieceLength for every piece except possibly the last.
func (i *Info) PieceLengthAt(index int) int64 {
	if index < i.NumPieces-1 {
		return i.PieceLength
	}
	last := i.Length - int64(i.NumPieces-1)*i.PieceLength
	if last <= 0 {
		last = i.PieceLength
	}
	return last
}

// Trackers returns every announce URL in the descriptor, flattening
// announce-list ahead of the single announce fallback.
func (mi *MetaInfo) Trackers() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	add(mi.Announce)
	return out
}
