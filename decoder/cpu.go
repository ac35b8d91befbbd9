package decoder

import (
	"fmt"
	"runtime"
	"sync"
)

// decodeCPU runs the Viterbi forward/traceback recurrence for every batch
// item, distributing items across a worker pool sized to the available
// cores. Workers drain a closed channel of batch indices — the same
// work-queue shape used to parallelize independent row-strips of a matrix
// multiply, applied here to independent batch items instead of matrix
// rows. Items are fully independent: no synchronization between them, and
// each worker owns its own pair of delta buffers so there is no
// contention on shared scratch. The first traceback error any worker hits
// is reported back to the caller; the rest keep running to completion
// since each item's out.Data slice is disjoint from the others'.
func decodeCPU(n normalized, p plan, out Array32I) error {
	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > n.b {
		numWorkers = n.b
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	work := make(chan int, n.b)
	for b := 0; b < n.b; b++ {
		work <- b
	}
	close(work)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cur := make([]float32, n.s)
			next := make([]float32, n.s)
			for b := range work {
				if err := viterbiOne(n, p, b, cur, next, out); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// viterbiOne runs the forward pass and traceback for a single batch item
// b, using cur/next as the two live delta buffers (caller-owned so workers
// can reuse them across items without reallocating).
func viterbiOne(n normalized, p plan, b int, cur, next []float32, out Array32I) error {
	s := n.s
	lb := int(n.frameCount[b])
	obsBase := b * n.tMax * s
	psiBase := p.offsets[b] // elements, matches obs layout (B, T_max, S)

	// Frame 0: delta[s] = pi[s] + O[b, 0, s]
	for dst := 0; dst < s; dst++ {
		cur[dst] = n.initial.Data[dst] + n.obs.Data[obsBase+dst]
	}

	for t := 1; t < lb; t++ {
		obsRow := obsBase + t*s
		psiRow := psiBase + t*s
		for dst := 0; dst < s; dst++ {
			emission := n.obs.Data[obsRow+dst]
			var bestScore float32
			bestIdx := 0
			for src := 0; src < s; src++ {
				score := cur[src] + n.transition.Data[src*s+dst] + emission
				if src == 0 || score > bestScore {
					bestScore = score
					bestIdx = src
				}
			}
			next[dst] = bestScore
			p.psi[psiRow+dst] = int32(bestIdx)
		}
		cur, next = next, cur
	}

	// Traceback: smallest index wins ties.
	bestState := 0
	bestScore := cur[0]
	for st := 1; st < s; st++ {
		if cur[st] > bestScore {
			bestScore = cur[st]
			bestState = st
		}
	}

	outBase := b * n.tMax
	out.Data[outBase+lb-1] = int32(bestState)
	for t := lb - 2; t >= 0; t-- {
		backPtr := p.psi[psiBase+(t+1)*s+bestState]
		if backPtr < 0 || int(backPtr) >= s {
			return newError(InternalError, "viterbiOne", fmt.Errorf("back-pointer %d outside [0, %d) at batch item %d, frame %d", backPtr, s, b, t+1))
		}
		bestState = int(backPtr)
		out.Data[outBase+t] = int32(bestState)
	}
	return nil
}
