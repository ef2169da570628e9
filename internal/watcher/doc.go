// Package watcher keeps an index current with a project tree.
//
// fsnotify events are filtered, then coalesced per path over a short window
// by the Debouncer so that editor save bursts and git checkouts arrive as
// one batch. Apply feeds a batch to anything that can index and remove
// files, normally the dispatcher:
//
//	w, err := watcher.New(watcher.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//	go func() { _ = w.Start(ctx, root) }()
//
//	for batch := range w.Events() {
//	    watcher.Apply(ctx, d, batch, logger)
//	}
package watcher
