package chain

import (
	"context"

	sdkmath "cosmossdk.io/math"

	"github.com/GPTx-global/inferd/oracle/types"
)

type Account struct {
	Number   uint64
	Sequence uint64
}

// Reader answers the ledger queries the pipeline needs. The LCD reader talks
// to the REST gateway; the CLI reader shells out to the chain binary.
type Reader interface {
	Topic(ctx context.Context, topicID uint64) (types.Topic, error)
	IsWorkerNonceUnfulfilled(ctx context.Context, topicID uint64, height int64) (bool, error)
	CanSubmitWorkerPayload(ctx context.Context, topicID uint64, address string) (bool, error)
	ActiveInferers(ctx context.Context, topicID uint64, height int64) ([]string, error)
	Balance(ctx context.Context, address, denom string) (sdkmath.Int, error)
	Account(ctx context.Context, address string) (Account, error)
}

// Simulator is implemented by readers that can estimate gas for a signed tx.
type Simulator interface {
	Simulate(ctx context.Context, txBytes []byte) (uint64, error)
}
