package agent

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/Leantar/fimproto/proto"
	"github.com/Leantar/fimwatch/models"
	"github.com/Leantar/fimwatch/modules/watcher"
	"github.com/rs/zerolog/log"
)

func (a *Agent) watchFsEvents(ctx context.Context, s *scope) error {
	w, err := watcher.NewDebounced(a.conf.Watcher)
	if err != nil {
		return err
	}
	defer w.Close()

	rescans := make(chan string)
	for _, root := range s.roots(isDir) {
		err := w.AddWatch(root)
		switch {
		case errors.Is(err, watcher.ErrAlreadyWatched):
		case errors.Is(err, watcher.ErrPathNotFound):
			log.Warn().Msgf("cannot watch missing directory %s", root)
			// Already reported as missing by the initial scan
			go a.rewatch(ctx, w, root, true, rescans)
		case err != nil:
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case root := <-rescans:
			if err := a.rescan(ctx, s, root); err != nil {
				return err
			}
		case event := <-w.Events:
			if event.Finished {
				// The watch broke. Watch again and catch up on what was missed
				go a.rewatch(ctx, w, event.Path, false, rescans)
				continue
			}
			if err := a.handleEvent(ctx, s, event); err != nil {
				return err
			}
		}
	}
}

type watchAdder interface {
	AddWatch(path string) error
}

// rewatch runs apart from the event loop since starting a watch waits for
// the notifier, which may be waiting for the event loop to take its events.
// The root is rescanned once it is watched again. A missing root is rescanned
// when it goes missing, so its deletion gets reported, and retried until it
// reappears.
func (a *Agent) rewatch(ctx context.Context, w watchAdder, root string, missing bool, rescans chan<- string) {
	interval := a.conf.RewatchInterval
	if interval <= 0 {
		interval = DefaultRewatchInterval
	}

	for {
		err := w.AddWatch(root)
		switch {
		case err == nil, errors.Is(err, watcher.ErrAlreadyWatched):
			requestRescan(ctx, root, rescans)
			return
		case errors.Is(err, watcher.ErrPathNotFound):
			if !missing {
				log.Warn().Msgf("%s is gone, watching for it to reappear", root)
				missing = true
				if !requestRescan(ctx, root, rescans) {
					return
				}
			}
		case errors.Is(err, watcher.ErrServiceTerminated):
			return
		default:
			log.Error().Caller().Err(err).Msgf("failed to watch %s again", root)
			requestRescan(ctx, root, rescans)
			return
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

func requestRescan(ctx context.Context, root string, rescans chan<- string) bool {
	select {
	case rescans <- root:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Agent) handleEvent(ctx context.Context, s *scope, event watcher.Event) error {
	switch {
	case event.Change == watcher.ChangeInvalidated:
		log.Warn().Msgf("watch of %s is no longer valid", event.Path)
		return nil
	case event.Change == watcher.ChangeOverflow:
		log.Warn().Msgf("events below %s were lost, rescanning", event.Path)
		return a.rescan(ctx, s, event.Path)
	}

	evt, ok := newProtoEvent(event, s, time.Now())
	if !ok {
		return nil
	}

	log.Debug().Msgf("reporting %s of %s", evt.Kind, event.Path)

	_, err := a.client.ReportFsEvent(ctx, evt)
	return err
}

// rescan reports the current state of every watched path below root.
func (a *Agent) rescan(ctx context.Context, s *scope, root string) error {
	paths := s.within(root)
	if len(paths) == 0 {
		return nil
	}

	objs, err := collectFsObjects(ctx, paths, s)
	if err != nil {
		return err
	}

	return a.reportFsStatus(ctx, objs)
}

// newProtoEvent converts a change of a path in scope to the server's event.
func newProtoEvent(event watcher.Event, s *scope, issuedAt time.Time) (*proto.Event, bool) {
	if !s.contains(event.Path) {
		return nil, false
	}

	kind := event.Kind()
	if kind == watcher.KindUnknown {
		kind = watcher.KindChange
	}

	obj := models.Deleted(event.Path)
	if kind != watcher.KindDelete {
		var err error
		obj, err = models.NewFsObject(event.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Removed again before it could be inspected
			kind = watcher.KindDelete
			obj = models.Deleted(event.Path)
		case err != nil:
			log.Warn().Caller().Err(err).Msgf("failed to inspect %s", event.Path)
			return nil, false
		}
	}

	return &proto.Event{
		Kind:     kind,
		IssuedAt: issuedAt.Unix(),
		FsObject: obj.Proto(),
	}, true
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
