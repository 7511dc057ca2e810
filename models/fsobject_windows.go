//go:build windows

package models

import (
	"fmt"
	"os"
	"syscall"
)

func stat(path string) (FsObject, bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return FsObject{}, false, err
	}

	// os.Lstat reports the attribute data of the link itself
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return FsObject{}, false, fmt.Errorf("unexpected stat data %T", info.Sys())
	}

	obj := FsObject{
		Path:     path,
		Created:  data.CreationTime.Nanoseconds() / 1e9,
		Modified: data.LastWriteTime.Nanoseconds() / 1e9,
		Mode:     uint32(info.Mode()),
	}

	return obj, info.Mode().IsRegular(), nil
}
