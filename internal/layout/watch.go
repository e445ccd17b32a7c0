package layout

import (
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the layout directory and invokes onChange with each layout
// that was edited outside the server (hand-edited files, sync tools). Events
// are debounced because editors typically emit several writes per save.
// The watcher goroutine runs until the watcher fails or the process exits.
func (s *Store) Watch(onChange func(Layout)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		pending := make(map[string]struct{})
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				name := strings.TrimSuffix(baseName(ev.Name), ".json")
				if name == baseName(ev.Name) {
					continue // not a layout file
				}
				pending[name] = struct{}{}
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(250 * time.Millisecond)
			case <-debounce.C:
				for name := range pending {
					delete(pending, name)
					l, err := s.Load(name)
					if err != nil {
						slog.Error("layout watch reload", "name", name, "err", err)
						continue
					}
					onChange(l)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("layout watch", "err", err)
			}
		}
	}()
	return nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
