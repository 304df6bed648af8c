// Package preflight verifies that inventory devices are reachable on
// their SSH port before a run commits to dialing them all.
package preflight

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mindwolf80/nice/internal/device"
)

// Result is the reachability verdict for one device. Results come back
// in inventory order.
type Result struct {
	Device    device.Device
	Reachable bool
	Err       error
	Elapsed   time.Duration
}

// Check TCP-dials every device's SSH port with bounded concurrency. A
// failed dial is a result, not an error; the only error returned is a
// cancelled context.
func Check(ctx context.Context, devices []device.Device, port, concurrency int, timeout time.Duration) ([]Result, error) {
	if port <= 0 {
		port = 22
	}
	if concurrency <= 0 {
		concurrency = 10
	}

	results := make([]Result, len(devices))
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	for i, dev := range devices {
		wg.Add(1)
		go func(idx int, d device.Device) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = Result{Device: d, Err: ctx.Err()}
				return
			}

			addr := net.JoinHostPort(d.IP, fmt.Sprintf("%d", port))
			start := time.Now()
			conn, err := net.DialTimeout("tcp", addr, timeout)
			elapsed := time.Since(start)
			if err != nil {
				results[idx] = Result{Device: d, Err: err, Elapsed: elapsed}
				return
			}
			conn.Close()
			results[idx] = Result{Device: d, Reachable: true, Elapsed: elapsed}
		}(i, dev)
	}

	wg.Wait()
	if ctx.Err() != nil {
		return results, ctx.Err()
	}
	return results, nil
}
