package hv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimulatedCreateAllocatesDistinctSelectors(t *testing.T) {
	k := NewSimulated(nil)
	defer k.Close()

	ctx := context.Background()
	seen := map[uint64]bool{}
	for i := 0; i < 10; i++ {
		resp, err := k.Call(ctx, Request{Op: OpCreatePD})
		require.NoError(t, err)
		require.Equal(t, Success, resp.Status)
		require.False(t, seen[resp.Value], "selector %d reused", resp.Value)
		seen[resp.Value] = true
	}
}

func TestSimulatedUnknownOp(t *testing.T) {
	k := NewSimulated(nil)
	defer k.Close()

	_, err := k.Call(context.Background(), Request{Op: Op(200)})
	require.Error(t, err)
}

func TestSimulatedCloseAbortsPending(t *testing.T) {
	k := NewSimulated(nil)
	k.Close()

	resp, _ := k.Call(context.Background(), Request{Op: OpCreatePD})
	require.Equal(t, Abort, resp.Status)
}
