//go:build windows

package watcher

func newNotifier(l Listener, conf Config) (Notifier, error) {
	port, err := newIOCPPort()
	if err != nil {
		return nil, err
	}

	return newService(port, l, conf), nil
}
