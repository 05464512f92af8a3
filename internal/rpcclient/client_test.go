package rpcclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/metachain/internal/authorship"
	"github.com/Klingon-tech/metachain/internal/bridge"
	"github.com/Klingon-tech/metachain/internal/chain"
	"github.com/Klingon-tech/metachain/internal/consensus"
	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/internal/mempool"
	"github.com/Klingon-tech/metachain/internal/rpc"
	"github.com/Klingon-tech/metachain/internal/runtime"
	"github.com/Klingon-tech/metachain/internal/storage"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

type testEnv struct {
	client *Client
	chain  *chain.Chain
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	seal := consensus.NewManualSeal(consensus.ManualSealConfig{})
	ch, err := chain.New(storage.NewMemory(), chain.Verifiers{seal, runtime.New()})
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	if err := ch.InitGenesis(runtime.GenesisBlock("client-test", 0, nil)); err != nil {
		t.Fatalf("init genesis: %v", err)
	}
	pool := mempool.New(func(ext []byte) error {
		_, err := runtime.DecodeExtrinsic(ext)
		return err
	}, 100)

	commands := authorship.NewChannel(8)
	engine := authorship.NewEngine(commands, ch, runtime.NewProposer(seal, 0), pool, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()

	srv := rpc.New("127.0.0.1:0", ch, pool)
	srv.SetBridges(bridge.NewMinter(commands, ch, pool), bridge.NewConnector(ch, bridge.DefaultConnectConfig()))
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		cancel()
		<-done
	})

	return &testEnv{
		client: New("http://" + srv.Addr() + "/"),
		chain:  ch,
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_BlockHash(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx(t)

	best, err := env.client.BlockHash(ctx, nil)
	if err != nil {
		t.Fatalf("BlockHash() error: %v", err)
	}
	if best != env.chain.GenesisHash() {
		t.Errorf("best = %s, want genesis", best)
	}

	far := types.BlockNumber(5)
	_, err = env.client.BlockHash(ctx, &far)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeNotFound {
		t.Errorf("expected not found RPCError, got %v", err)
	}
}

func TestClient_MintSubmitAndFetch(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx(t)

	tx := block.ExternalTx{From: "alice", To: "bob", Amount: 10}
	if _, err := env.client.SubmitTx(ctx, tx); err != nil {
		t.Fatalf("SubmitTx() error: %v", err)
	}
	minted, err := env.client.MintBlock(ctx, nil)
	if err != nil {
		t.Fatalf("MintBlock() error: %v", err)
	}
	if len(minted.External) != 1 || minted.External[0] != tx {
		t.Errorf("external = %+v, want [%+v]", minted.External, tx)
	}

	raw, err := env.client.Block(ctx, minted.Hash)
	if err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	sb, err := block.DecodeSignedBlock(raw)
	if err != nil {
		t.Fatalf("decode block: %v", err)
	}
	if sb.Hash() != minted.Hash {
		t.Error("fetched block hash differs from minted hash")
	}

	header, err := env.client.Header(ctx, types.Hash{})
	if err != nil {
		t.Fatalf("Header() error: %v", err)
	}
	if header.Hash != minted.Hash || header.Number != 1 {
		t.Errorf("header = %+v", header)
	}

	fin, err := env.client.FinalizedHead(ctx)
	if err != nil {
		t.Fatalf("FinalizedHead() error: %v", err)
	}
	if fin != minted.Hash {
		t.Error("minted block should be finalized")
	}
}

func TestClient_ConnectBlock(t *testing.T) {
	producer := setupTestEnv(t)
	follower := setupTestEnv(t)
	ctx := testCtx(t)

	// Both nodes share the genesis, so the follower knows the parent.
	minted, err := producer.client.MintBlock(ctx, nil)
	if err != nil {
		t.Fatalf("MintBlock() error: %v", err)
	}
	raw, err := producer.client.Block(ctx, minted.Hash)
	if err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	res, err := follower.client.ConnectBlock(ctx, raw, nil)
	if err != nil {
		t.Fatalf("ConnectBlock() error: %v", err)
	}
	if res.Status != chain.StatusImported.String() {
		t.Errorf("status = %s, want imported", res.Status)
	}

	// A block whose parent the follower lacks is rejected with a report.
	if _, err := producer.client.MintBlock(ctx, nil); err != nil {
		t.Fatal(err)
	}
	third, err := producer.client.MintBlock(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	orphan, err := producer.client.Block(ctx, third.Hash)
	if err != nil {
		t.Fatal(err)
	}
	_, err = follower.client.ConnectBlock(ctx, orphan, nil)
	report, ok := ImportReport(err)
	if !ok {
		t.Fatalf("expected an import report, got %v", err)
	}
	if report.Status != chain.StatusUnknownParent.String() || report.Reason == "" {
		t.Errorf("report = %+v, want unknown_parent with a reason", report)
	}

	_, err = follower.client.ConnectBlock(ctx, []byte{0xff}, nil)
	if _, ok := ImportReport(err); ok {
		t.Error("decode failures carry no import report")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeInvalidParams {
		t.Errorf("expected invalid params RPCError, got %v", err)
	}
}

func TestClient_Health(t *testing.T) {
	env := setupTestEnv(t)
	h, err := env.client.Health(testCtx(t))
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if h.Genesis != env.chain.GenesisHash() {
		t.Errorf("genesis = %s", h.Genesis)
	}
}

func TestClient_UnreachableEndpoint(t *testing.T) {
	c := NewWithTimeout("http://127.0.0.1:1/", time.Second)
	if _, err := c.Health(context.Background()); err == nil {
		t.Error("expected error for unreachable endpoint")
	}
}

func TestRPCError_Message(t *testing.T) {
	e := &RPCError{Code: 1, Message: "Runtime error", Data: []byte(`"boom"`)}
	if got := e.Error(); got != `rpc error 1: Runtime error: "boom"` {
		t.Errorf("Error() = %q", got)
	}
	var data string
	if err := e.DecodeData(&data); err != nil || data != "boom" {
		t.Errorf("DecodeData() = %q, %v", data, err)
	}
	if err := (&RPCError{Code: -32601}).DecodeData(&data); err == nil {
		t.Error("DecodeData without data should fail")
	}
}
