package models

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/Leantar/fimproto/proto"
	"github.com/zeebo/blake3"
)

// FsObject is the state of a file system object as reported to the server.
// Hash is only set for regular files.
type FsObject struct {
	Path     string
	Hash     string
	Created  int64
	Modified int64
	Uid      uint32
	Gid      uint32
	Mode     uint32
}

// NewFsObject stats path without following symlinks and hashes it if it is a
// regular file.
func NewFsObject(path string) (FsObject, error) {
	obj, regular, err := stat(path)
	if err != nil {
		return FsObject{}, fmt.Errorf("failed to stat path: %w", err)
	}

	if regular {
		obj.Hash, err = hashFile(path)
		if err != nil {
			return FsObject{}, err
		}
	}

	return obj, nil
}

// Deleted is the object reported for a path that no longer exists.
func Deleted(path string) FsObject {
	return FsObject{
		Path: path,
	}
}

func (o FsObject) Proto() *proto.FsObject {
	return &proto.FsObject{
		Path:     o.Path,
		Hash:     o.Hash,
		Created:  o.Created,
		Modified: o.Modified,
		Uid:      o.Uid,
		Gid:      o.Gid,
		Mode:     o.Mode,
	}
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to copy file content: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
