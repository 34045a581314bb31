package chunk

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// connector joins key fields. It matches the boss key connector so keys
// stay greppable next to resource identifiers.
const connector = "&"

// Key identifies one chunk task on the upload queue. NumTiles is the number
// of tiles stacked into the chunk (the z chunk depth for a full chunk).
type Key struct {
	NumTiles     int
	CollectionID int64
	ExperimentID int64
	ChannelID    int64
	Resolution   int
	X, Y, Z, T   int
}

// TileKey identifies one tile within a chunk.
type TileKey struct {
	CollectionID int64
	ExperimentID int64
	ChannelID    int64
	Resolution   int
	X, Y, Z, T   int
}

// EncodeKey produces the wire form of a chunk key:
//
//	<md5-hex>&<num_tiles>&<col_id>&<exp_id>&<ch_id>&<res>&<x>&<y>&<z>&<t>
//
// The md5 hex digest is computed over everything after it and serves only
// to spread keys across storage partitions; the remainder is
// self-describing. Encoding is deterministic: the same tuple always yields
// identical bytes.
func EncodeKey(k Key) string {
	base := strings.Join([]string{
		strconv.Itoa(k.NumTiles),
		strconv.FormatInt(k.CollectionID, 10),
		strconv.FormatInt(k.ExperimentID, 10),
		strconv.FormatInt(k.ChannelID, 10),
		strconv.Itoa(k.Resolution),
		strconv.Itoa(k.X),
		strconv.Itoa(k.Y),
		strconv.Itoa(k.Z),
		strconv.Itoa(k.T),
	}, connector)
	return hashPrefix(base) + connector + base
}

// DecodeKey parses the wire form of a chunk key and verifies its hash
// prefix.
func DecodeKey(s string) (Key, error) {
	parts := strings.Split(s, connector)
	if len(parts) != 10 {
		return Key{}, fmt.Errorf("chunk key has %d fields, want 10: %q", len(parts), s)
	}
	base := strings.Join(parts[1:], connector)
	if hashPrefix(base) != parts[0] {
		return Key{}, fmt.Errorf("chunk key hash mismatch: %q", s)
	}

	var k Key
	var err error
	if k.NumTiles, err = strconv.Atoi(parts[1]); err != nil {
		return Key{}, fmt.Errorf("bad num_tiles in chunk key %q: %w", s, err)
	}
	if k.CollectionID, k.ExperimentID, k.ChannelID, err = parseProject(parts[2:5]); err != nil {
		return Key{}, fmt.Errorf("bad project in chunk key %q: %w", s, err)
	}
	if k.Resolution, k.X, k.Y, k.Z, k.T, err = parseCoords(parts[5:10]); err != nil {
		return Key{}, fmt.Errorf("bad coordinates in chunk key %q: %w", s, err)
	}
	return k, nil
}

// EncodeTileKey produces the wire form of a tile key:
//
//	<md5-hex>&<col_id>&<exp_id>&<ch_id>&<res>&<x>&<y>&<z>&<t>
//
// where z is the global tile z index, not the chunk index.
func EncodeTileKey(k TileKey) string {
	base := strings.Join([]string{
		strconv.FormatInt(k.CollectionID, 10),
		strconv.FormatInt(k.ExperimentID, 10),
		strconv.FormatInt(k.ChannelID, 10),
		strconv.Itoa(k.Resolution),
		strconv.Itoa(k.X),
		strconv.Itoa(k.Y),
		strconv.Itoa(k.Z),
		strconv.Itoa(k.T),
	}, connector)
	return hashPrefix(base) + connector + base
}

// DecodeTileKey parses the wire form of a tile key and verifies its hash
// prefix.
func DecodeTileKey(s string) (TileKey, error) {
	parts := strings.Split(s, connector)
	if len(parts) != 9 {
		return TileKey{}, fmt.Errorf("tile key has %d fields, want 9: %q", len(parts), s)
	}
	base := strings.Join(parts[1:], connector)
	if hashPrefix(base) != parts[0] {
		return TileKey{}, fmt.Errorf("tile key hash mismatch: %q", s)
	}

	var k TileKey
	var err error
	if k.CollectionID, k.ExperimentID, k.ChannelID, err = parseProject(parts[1:4]); err != nil {
		return TileKey{}, fmt.Errorf("bad project in tile key %q: %w", s, err)
	}
	if k.Resolution, k.X, k.Y, k.Z, k.T, err = parseCoords(parts[4:9]); err != nil {
		return TileKey{}, fmt.Errorf("bad coordinates in tile key %q: %w", s, err)
	}
	return k, nil
}

func hashPrefix(base string) string {
	sum := md5.Sum([]byte(base))
	return hex.EncodeToString(sum[:])
}

func parseProject(parts []string) (col, exp, ch int64, err error) {
	if col, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return
	}
	if exp, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return
	}
	ch, err = strconv.ParseInt(parts[2], 10, 64)
	return
}

func parseCoords(parts []string) (res, x, y, z, t int, err error) {
	if res, err = strconv.Atoi(parts[0]); err != nil {
		return
	}
	if x, err = strconv.Atoi(parts[1]); err != nil {
		return
	}
	if y, err = strconv.Atoi(parts[2]); err != nil {
		return
	}
	if z, err = strconv.Atoi(parts[3]); err != nil {
		return
	}
	t, err = strconv.Atoi(parts[4])
	return
}
