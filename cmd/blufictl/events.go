package main

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/chaz8081/blufictl/internal/event"
)

var errTimeout = errors.New("timed out waiting for the device")

// watcher prints every event it consumes and lets a command wait for the
// results it cares about.
type watcher struct {
	sub *event.Subscription
	out io.Writer
}

func newWatcher(sub *event.Subscription, out io.Writer) *watcher {
	return &watcher{sub: sub, out: out}
}

func (w *watcher) print(e event.Event) {
	fmt.Fprintln(w.out, e)
}

// await consumes events until match returns true, the stream ends or the
// timeout elapses.
func (w *watcher) await(timeout time.Duration, match func(event.Event) bool) (event.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case e, ok := <-w.sub.Events():
			if !ok {
				return event.Event{}, errors.New("event stream closed")
			}
			w.print(e)
			if match(e) {
				return e, nil
			}
		case <-timer.C:
			return event.Event{}, errTimeout
		}
	}
}

// awaitKey waits for key. A lost or closed link ends the wait with an error.
func (w *watcher) awaitKey(timeout time.Duration, key string) (event.Event, error) {
	var lost bool
	e, err := w.await(timeout, func(e event.Event) bool {
		if linkGone(e) {
			lost = true
			return true
		}
		return e.Key == key
	})
	if err != nil {
		return e, err
	}
	if lost {
		return e, errors.Errorf("link lost while waiting for %s", key)
	}
	return e, nil
}

// networks gathers wifi_info reports until none arrives for idle. A failed
// scan is reported as an error.
func (w *watcher) networks(idle time.Duration) ([]event.WiFiInfo, error) {
	var got []event.WiFiInfo
	for {
		e, err := w.await(idle, func(e event.Event) bool {
			return e.Key == event.KeyWifiInfo || linkGone(e)
		})
		switch {
		case errors.Is(err, errTimeout):
			return got, nil
		case err != nil:
			return got, err
		case linkGone(e):
			return got, errors.New("link lost during wifi scan")
		case e.WiFi == nil:
			return got, errors.New("device wifi scan failed")
		}
		got = append(got, *e.WiFi)
	}
}

// drain prints whatever is buffered without waiting.
func (w *watcher) drain() {
	for {
		select {
		case e, ok := <-w.sub.Events():
			if !ok {
				return
			}
			w.print(e)
		default:
			return
		}
	}
}

func linkGone(e event.Event) bool {
	switch e.Key {
	case event.KeyPeripheralDisconnect:
		return true
	case event.KeyPeripheralConnect, event.KeyDiscoverServices:
		return !e.OK()
	}
	return false
}
