package metainfo

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func encodeTorrent(t *testing.T, info map[string]interface{}, announce string) []byte {
	t.Helper()
	raw, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	top := map[string]interface{}{
		"announce": announce,
		"info":     bencode.RawMessage(raw),
	}
	out, err := bencode.EncodeBytes(top)
	require.NoError(t, err)
	return out
}

func twoPieceInfo() map[string]interface{} {
	pieces := strings.Repeat("a", 20) + strings.Repeat("b", 20)
	return map[string]interface{}{
		"name":         "movie.mkv",
		"piece length": int64(16384),
		"pieces":       pieces,
		"length":       int64(16384 + 100),
	}
}

func TestNewParsesSingleFileTorrent(t *testing.T) {
	raw := encodeTorrent(t, twoPieceInfo(), "http://tracker.example/announce")

	mi, err := New(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "movie.mkv", mi.Info.Name)
	assert.Equal(t, 2, mi.Info.NumPieces)
	assert.Equal(t, "http://tracker.example/announce", mi.Announce)
}

func TestNewRejectsMultiFile(t *testing.T) {
	info := twoPieceInfo()
	info["files"] = []map[string]interface{}{
		{"length": int64(10), "path": []string{"a"}},
	}
	delete(info, "length")
	raw := encodeTorrent(t, info, "http://tracker.example/announce")

	_, err := New(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestNewRejectsMissingAnnounce(t *testing.T) {
	raw := encodeTorrent(t, twoPieceInfo(), "")
	_, err := New(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestInfoHashIsStableRecomputation(t *testing.T) {
	info := twoPieceInfo()
	canonical, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	want := sha1.Sum(canonical)

	got, err := NewInfo(canonical)
	require.NoError(t, err)
	assert.Equal(t, want, got.Hash)
}

func TestPieceLengthAtAccountsForShortLastPiece(t *testing.T) {
	info := twoPieceInfo()
	canonical, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	got, err := NewInfo(canonical)
	require.NoError(t, err)

	assert.Equal(t, int64(16384), got.PieceLengthAt(0))
	assert.Equal(t, int64(100), got.PieceLengthAt(1))
}

func TestTrackersFlattensAndDedupes(t *testing.T) {
	mi := &MetaInfo{
		Announce: "http://a/announce",
		AnnounceList: [][]string{
			{"http://a/announce", "http://b/announce"},
			{"http://c/announce"},
		},
	}
	assert.Equal(t, []string{"http://a/announce", "http://b/announce", "http://c/announce"}, mi.Trackers())
}
