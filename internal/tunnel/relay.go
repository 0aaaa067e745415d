package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

type closeWriter interface {
	CloseWrite() error
}

// Relay copies bytes between a and b until both directions finish. End of
// stream on one side half-closes the other so the opposite direction can
// drain. Any other error closes both sockets and is returned wrapped in
// ErrRelay. Both sockets are closed when Relay returns.
func Relay(a, b net.Conn) (aToB, bToA int64, err error) {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		torn     atomic.Bool
		firstErr error
	)
	teardown := func(cause error) {
		once.Do(func() {
			firstErr = cause
			torn.Store(true)
			_ = a.Close()
			_ = b.Close()
		})
	}
	pipe := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		var cerr error
		*n, cerr = io.Copy(dst, src)
		if torn.Load() {
			return
		}
		if cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			teardown(cerr)
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			if err := cw.CloseWrite(); err == nil {
				return
			}
		}
		// no half-close available, finish the whole pair
		teardown(nil)
	}
	wg.Add(2)
	go pipe(b, a, &aToB)
	go pipe(a, b, &bToA)
	wg.Wait()
	teardown(nil)
	if firstErr != nil {
		return aToB, bToA, fmt.Errorf("%w: %w", ErrRelay, firstErr)
	}
	return aToB, bToA, nil
}
