// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package cycle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/feedwarden/feedwarden/internal/batch"
)

// WorkerChannel executes one batch of link groups and streams per-link
// results back as they complete. The results channel is closed once the
// whole batch is done.
type WorkerChannel interface {
	Dispatch(ctx context.Context, b *batch.Batch) (<-chan LinkResult, error)
}

// InProcess runs a batch's link groups concurrently inside this process.
// It backs the Sequential strategy, where batches themselves are serialized
// but links within a batch fetch in parallel.
type InProcess struct {
	Processor *Processor
}

// Dispatch implements [WorkerChannel].
func (c *InProcess) Dispatch(ctx context.Context, b *batch.Batch) (<-chan LinkResult, error) {
	results := make(chan LinkResult)
	var wg sync.WaitGroup
	for _, g := range b.Groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.Processor.Process(ctx, g)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	return results, nil
}

// Subprocess executes each batch in a dedicated worker subprocess: the batch
// is written to the worker's stdin as JSON and per-link results stream back
// as JSON lines on its stdout. The worker exits when its batch is done, so a
// crash or leak is confined to one batch. Cancelling the dispatch context
// kills the worker.
type Subprocess struct {
	// Bin is the worker binary, normally the running executable itself.
	Bin string
	// Args are passed to the binary and must select its worker mode.
	Args []string
	// Env entries are appended to the current environment.
	Env []string
}

// Dispatch implements [WorkerChannel].
func (c *Subprocess) Dispatch(ctx context.Context, b *batch.Batch) (<-chan LinkResult, error) {
	cmd := exec.CommandContext(ctx, c.Bin, c.Args...)
	cmd.Stderr = os.Stderr
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("dispatching batch: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("dispatching batch: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("dispatching batch: %w", err)
	}

	go func() {
		json.NewEncoder(stdin).Encode(b)
		stdin.Close()
	}()

	results := make(chan LinkResult)
	go func() {
		defer close(results)
		defer cmd.Wait()

		seen := make(map[string]bool)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var res LinkResult
			if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
				continue
			}
			seen[res.Key] = true
			results <- res
		}

		// A worker that died mid-batch reported only some links; the rest
		// count as failed so their outcome is never silently lost.
		for _, g := range b.Groups {
			if !seen[g.Key()] {
				results <- LinkResult{
					URL:     g.URL,
					Key:     g.Key(),
					Outcome: OutcomeFailed,
					Err:     "worker exited before reporting",
				}
			}
		}
	}()
	return results, nil
}
