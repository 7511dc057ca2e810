package agent

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Leantar/fimproto/proto"
	"github.com/Leantar/fimwatch/models"
	"golang.org/x/sync/errgroup"
)

type fsObjectSender interface {
	Send(*proto.FsObject) error
}

// collectFsObjects scans the watched paths in parallel. The result keeps the
// order of paths.
func collectFsObjects(ctx context.Context, paths []string, s *scope) ([]models.FsObject, error) {
	results := make([][]models.FsObject, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, path := range paths {
		i, path := i, path

		g.Go(func() error {
			objs, err := scanPath(gctx, path, s)
			if err != nil {
				return err
			}
			results[i] = objs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var objs []models.FsObject
	for _, r := range results {
		objs = append(objs, r...)
	}

	return objs, nil
}

func scanPath(ctx context.Context, path string, s *scope) ([]models.FsObject, error) {
	path = filepath.Clean(path)

	stat, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		// File/Folder does not exist. Server will generate "DELETE" alert
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !stat.IsDir() {
		if s.excluded(path) {
			return nil, nil
		}

		obj, err := models.NewFsObject(path)
		if err != nil {
			return nil, err
		}
		return []models.FsObject{obj}, nil
	}

	var objs []models.FsObject
	err = filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p != path && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.excluded(p) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		obj, err := models.NewFsObject(p)
		if errors.Is(err, os.ErrNotExist) {
			// Removed while scanning, the watcher reports it
			return nil
		}
		if err != nil {
			return err
		}

		objs = append(objs, obj)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return objs, nil
}

func sendAll(stream fsObjectSender, objs []models.FsObject) error {
	for _, obj := range objs {
		if err := stream.Send(obj.Proto()); err != nil {
			return err
		}
	}

	return nil
}

func (a *Agent) createBaseline(ctx context.Context, objs []models.FsObject) error {
	stream, err := a.client.CreateBaseline(ctx)
	if err != nil {
		return err
	}

	if err := sendAll(stream, objs); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

func (a *Agent) updateBaseline(ctx context.Context, objs []models.FsObject) error {
	stream, err := a.client.UpdateBaseline(ctx)
	if err != nil {
		return err
	}

	if err := sendAll(stream, objs); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

func (a *Agent) reportFsStatus(ctx context.Context, objs []models.FsObject) error {
	stream, err := a.client.ReportFsStatus(ctx)
	if err != nil {
		return err
	}

	if err := sendAll(stream, objs); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}
