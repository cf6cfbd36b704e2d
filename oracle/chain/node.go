package chain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/tendermint/tendermint/rpc/client/http"
	coretypes "github.com/tendermint/tendermint/rpc/core/types"
	tmtypes "github.com/tendermint/tendermint/types"

	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/retry"
	"github.com/GPTx-global/inferd/oracle/types"
)

// Node is the subset of the tendermint RPC client used here.
type Node interface {
	Status(ctx context.Context) (*coretypes.ResultStatus, error)
	BroadcastTxSync(ctx context.Context, tx tmtypes.Tx) (*coretypes.ResultBroadcastTx, error)
}

type poolNode struct {
	endpoint string
	node     Node
	breaker  *retry.CircuitBreaker
}

// NodePool spreads calls over several RPC endpoints and skips endpoints whose
// circuit is open.
type NodePool struct {
	nodes []*poolNode
	next  atomic.Uint32
}

func NewNodePool(endpoints []string, timeout time.Duration) (*NodePool, error) {
	nodes := make([]Node, 0, len(endpoints))
	for _, endpoint := range endpoints {
		c, err := http.NewWithTimeout(endpoint, "/websocket", uint(timeout.Seconds()))
		if err != nil {
			return nil, fmt.Errorf("failed to create rpc client for %s: %w", endpoint, err)
		}
		nodes = append(nodes, c)
	}
	return NewNodePoolWith(endpoints, nodes), nil
}

// NewNodePoolWith builds a pool from already constructed nodes.
func NewNodePoolWith(endpoints []string, nodes []Node) *NodePool {
	p := &NodePool{}
	for i, n := range nodes {
		p.nodes = append(p.nodes, &poolNode{
			endpoint: endpoints[i],
			node:     n,
			breaker:  retry.NewCircuitBreaker(endpoints[i], 3, 30*time.Second),
		})
	}
	return p
}

func (p *NodePool) LatestHeight(ctx context.Context) (int64, error) {
	var height int64
	err := p.do(func(n Node) error {
		st, err := n.Status(ctx)
		if err != nil {
			return err
		}
		height = st.SyncInfo.LatestBlockHeight
		return nil
	})
	return height, err
}

func (p *NodePool) BroadcastTxSync(ctx context.Context, txBytes []byte) (*coretypes.ResultBroadcastTx, error) {
	var res *coretypes.ResultBroadcastTx
	err := p.do(func(n Node) error {
		r, err := n.BroadcastTxSync(ctx, txBytes)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// do tries each endpoint once, starting from the next in round-robin order.
func (p *NodePool) do(fn func(Node) error) error {
	if len(p.nodes) == 0 {
		return errorsmod.Wrap(types.ErrUnavailable, "no rpc endpoints configured")
	}

	start := int(p.next.Add(1)-1) % len(p.nodes)
	var lastErr error
	for i := 0; i < len(p.nodes); i++ {
		pn := p.nodes[(start+i)%len(p.nodes)]
		err := pn.breaker.Execute(func() error { return fn(pn.node) })
		if err == nil {
			return nil
		}
		if err != retry.ErrCircuitOpen {
			log.Debugf("rpc %s: %v", pn.endpoint, err)
		}
		lastErr = fmt.Errorf("%s: %w", pn.endpoint, err)
	}
	return errorsmod.Wrap(types.ErrUnavailable, lastErr.Error())
}

// Endpoints reports each endpoint with its circuit state.
func (p *NodePool) Endpoints() map[string]string {
	out := make(map[string]string, len(p.nodes))
	for _, pn := range p.nodes {
		out[pn.endpoint] = pn.breaker.State().String()
	}
	return out
}
