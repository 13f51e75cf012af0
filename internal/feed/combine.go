package feed

import (
	"context"
	"sync"
)

// Combine merges several canonical event streams into one channel. Events
// from each source keep their relative order; no interleaving order across
// sources is guaranteed. Sends are blocking, so a slow consumer suspends
// every contributing pipeline rather than losing events. The returned
// channel is closed once every source is closed or ctx is cancelled.
func Combine(ctx context.Context, streams ...<-chan Event) <-chan Event {
	out := make(chan Event, defaultBuffer)

	var wg sync.WaitGroup
	for _, src := range streams {
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
