// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/feedwarden/feedwarden/internal/batch"
)

// RunWorker is the subprocess side of [Subprocess]: it reads one batch as
// JSON from r, processes its link groups concurrently and writes one
// LinkResult per line to w. It returns once the whole batch is reported.
func RunWorker(ctx context.Context, r io.Reader, w io.Writer, p *Processor) error {
	var b batch.Batch
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return fmt.Errorf("reading batch: %w", err)
	}

	var (
		mu  sync.Mutex
		enc = json.NewEncoder(w)
		wg  sync.WaitGroup
	)
	for _, g := range b.Groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.Process(ctx, g)
			mu.Lock()
			defer mu.Unlock()
			enc.Encode(res)
		}()
	}
	wg.Wait()
	return nil
}
