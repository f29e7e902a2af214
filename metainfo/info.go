package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/relaymesh/chunkrelay/bencode"
)

const pieceSize = 20

//InfoDict contains all the basic information about
//about the files that the .torrent file is mentioning.
type InfoDict struct {
	Files    []File `bencode:"files" empty:"omit"`
	Len      int    `bencode:"length" empty:"omit"`
	Md5      []byte `bencode:"md5sum" empty:"omit"`
	Name     string `bencode:"name" empty:"omit"`
	PieceLen int    `bencode:"piece length"`
	Pieces   []byte `bencode:"pieces"`
	Private  int    `bencode:"private" empty:"omit"`
	//store info hash - we dont want to compute it every time
	Hash [20]byte `bencode:"-"`
}

//File contains information about a specific file
//in a .torrent file.
type File struct {
	Len  int      `bencode:"length"`
	Md5  []byte   `bencode:"md5sum" empty:"omit"`
	Path []string `bencode:"path"`
}

func (info *InfoDict) Parse() error {
	if len(info.Pieces)%pieceSize != 0 {
		return errors.New("info parse: SHA-1 hash of pieces has not the right length")
	}
	return nil
}

func (info *InfoDict) SetInfoHash(data []byte) error {
	const key = "info"
	infoBenc, ok, err := bencode.Get(data, key)
	if !ok {
		return fmt.Errorf("set info hash: key %s doesn't exist in dict", key)
	}
	if err != nil {
		return fmt.Errorf("set info hash: %w", err)
	}
	h := sha1.Sum(infoBenc)
	info.Hash = h
	return nil
}

func (info *InfoDict) TotalLength() (total int) {
	if info.Files == nil {
		total = info.Len
		return
	}
	for _, f := range info.Files {
		total += f.Len
	}
	return
}

func (info *InfoDict) NumPieces() int {
	return len(info.Pieces) / pieceSize
}

func (info *InfoDict) PiecesHash() [][]byte {
	h := [][]byte{}
	for i := 0; i < len(info.Pieces); i += pieceSize {
		h = append(h, info.Pieces[i:i+pieceSize])
	}
	return h
}

func (info *InfoDict) PieceHash(i int) []byte {
	return info.Pieces[i*pieceSize : i*pieceSize+pieceSize]
}

//FilesInfo normalizes single-file and multi-file torrents into the same
//[]File shape, synthesizing a one-entry list from Name/Len when the torrent
//has no files list.
func (info *InfoDict) FilesInfo() []File {
	if info.Files != nil {
		return info.Files
	}
	return []File{{Len: info.Len, Md5: info.Md5, Path: []string{info.Name}}}
}

//PieceLength returns the length of piece i, which is PieceLen for every
//piece except the last, whose length is whatever remains of TotalLength.
func (info *InfoDict) PieceLength(i int) int {
	if i == info.NumPieces()-1 {
		if rem := info.TotalLength() - info.PieceLen*i; rem > 0 {
			return rem
		}
	}
	return info.PieceLen
}

//maybe discard this and use path from stdlib
func (f File) PathToDir() string {
	var dir string
	for _, v := range f.Path {
		dir += v + "/"
	}
	return dir[:len(dir)-1]
}
