package nonce

import (
	"context"
	"fmt"

	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/types"
)

// DefaultScanCap bounds how many heights a single resolution checks.
const DefaultScanCap = 200

// Ledger is the part of the connector the resolver reads from.
type Ledger interface {
	QueryTopic(ctx context.Context, topicID uint64) (types.Topic, error)
	CurrentHeight(ctx context.Context) (int64, error)
	IsWorkerNonceUnfulfilled(ctx context.Context, topicID uint64, height int64) (bool, error)
	CanSubmitWorkerPayload(ctx context.Context, topicID uint64, address string) (bool, error)
}

// Window is the inclusive range of heights in which workers may submit.
type Window struct {
	Start int64
	End   int64
}

func WindowOf(t types.Topic) Window {
	return Window{
		Start: t.EpochLastEnded + 1,
		End:   t.EpochLastEnded + t.WorkerSubmissionWindow,
	}
}

func (w Window) Contains(height int64) bool {
	return height >= w.Start && height <= w.End
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d]", w.Start, w.End)
}

type Resolver struct {
	ledger  Ledger
	scanCap int64
}

func NewResolver(ledger Ledger, scanCap int) *Resolver {
	if scanCap <= 0 {
		scanCap = DefaultScanCap
	}
	return &Resolver{ledger: ledger, scanCap: int64(scanCap)}
}

// DeriveOpenNonce returns the most recent unfulfilled nonce inside the
// topic's current submission window. ok is false when the window is closed
// or every checked height is already fulfilled, and for inactive topics.
func (r *Resolver) DeriveOpenNonce(ctx context.Context, topicID uint64) (n types.Nonce, ok bool, err error) {
	topic, err := r.ledger.QueryTopic(ctx, topicID)
	if err != nil {
		return types.Nonce{}, false, err
	}
	if !topic.IsActive {
		log.Debugf("topic %d: inactive", topicID)
		return types.Nonce{}, false, nil
	}
	height, err := r.ledger.CurrentHeight(ctx)
	if err != nil {
		return types.Nonce{}, false, err
	}

	w := WindowOf(topic)
	if !w.Contains(height) {
		log.Debugf("topic %d: height %d outside window %s", topicID, height, w)
		return types.Nonce{}, false, nil
	}

	for _, h := range r.ScanHeights(w, height) {
		open, err := r.ledger.IsWorkerNonceUnfulfilled(ctx, topicID, h)
		if err != nil {
			return types.Nonce{}, false, err
		}
		if open {
			return types.Nonce{TopicID: topicID, Height: h}, true, nil
		}
	}

	log.Debugf("topic %d: no unfulfilled nonce in window %s at height %d", topicID, w, height)
	return types.Nonce{}, false, nil
}

// ScanHeights lists the heights to check, newest first: from
// min(current, w.End) down to w.Start, at most min(scanCap, window size).
func (r *Resolver) ScanHeights(w Window, current int64) []int64 {
	from := current
	if w.End < from {
		from = w.End
	}

	limit := r.scanCap
	if size := w.End - w.Start + 1; size < limit {
		limit = size
	}

	heights := make([]int64, 0, limit)
	for h := from; h >= w.Start && int64(len(heights)) < limit; h-- {
		heights = append(heights, h)
	}
	return heights
}

// StillOpen reports whether n can still be submitted: the window containing it
// must be the current one and the chain must not have moved past it.
func (r *Resolver) StillOpen(ctx context.Context, n types.Nonce) (bool, error) {
	topic, err := r.ledger.QueryTopic(ctx, n.TopicID)
	if err != nil {
		return false, err
	}
	height, err := r.ledger.CurrentHeight(ctx)
	if err != nil {
		return false, err
	}

	w := WindowOf(topic)
	return w.Contains(n.Height) && w.Contains(height), nil
}

// CanSubmit asks the ledger whether address may submit to the topic. A
// failed query permits the submission.
func (r *Resolver) CanSubmit(ctx context.Context, topicID uint64, address string) bool {
	ok, err := r.ledger.CanSubmitWorkerPayload(ctx, topicID, address)
	if err != nil {
		log.Warnf("topic %d: eligibility query for %s failed, permitting: %v", topicID, address, err)
		return true
	}
	return ok
}
