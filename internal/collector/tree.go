package collector

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// treeDigest hashes the relative paths, modes and contents of every entry
// under root. WalkDir visits entries in lexical order, so the digest is
// deterministic.
func treeDigest(root string) (string, error) {
	h := sha256.New()
	field := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		field([]byte(filepath.ToSlash(rel)))
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			field([]byte("L" + target))
		case d.IsDir():
			field([]byte("D"))
		default:
			field([]byte("F"))
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return err
			}
			var n [8]byte
			binary.BigEndian.PutUint64(n[:], uint64(fi.Size()))
			h.Write(n[:])
			if _, err := io.CopyN(h, f, fi.Size()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
