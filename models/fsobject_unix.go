//go:build darwin || linux

package models

import (
	"golang.org/x/sys/unix"
)

func stat(path string) (FsObject, bool, error) {
	var st unix.Stat_t

	if err := unix.Lstat(path, &st); err != nil {
		return FsObject{}, false, err
	}

	created, _ := st.Ctim.Unix()
	modified, _ := st.Mtim.Unix()

	obj := FsObject{
		Path:     path,
		Created:  created,
		Modified: modified,
		Uid:      st.Uid,
		Gid:      st.Gid,
		Mode:     uint32(st.Mode),
	}

	return obj, uint32(st.Mode)&unix.S_IFMT == unix.S_IFREG, nil
}
