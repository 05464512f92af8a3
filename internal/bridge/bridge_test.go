package bridge

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/Klingon-tech/metachain/internal/authorship"
	"github.com/Klingon-tech/metachain/internal/chain"
	"github.com/Klingon-tech/metachain/internal/consensus"
	"github.com/Klingon-tech/metachain/internal/mempool"
	"github.com/Klingon-tech/metachain/internal/runtime"
	"github.com/Klingon-tech/metachain/internal/storage"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

type testNode struct {
	chain     *chain.Chain
	pool      *mempool.Pool
	commands  *authorship.Channel
	engine    *authorship.Engine
	minter    *Minter
	connector *Connector
}

// newIdleNode wires a node whose engine is not yet serving commands.
func newIdleNode(t *testing.T) *testNode {
	t.Helper()
	seal := consensus.NewManualSeal(consensus.ManualSealConfig{})
	ch, err := chain.New(storage.NewMemory(), chain.Verifiers{seal, runtime.New()})
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	if err := ch.InitGenesis(runtime.GenesisBlock("bridge-test", 0, nil)); err != nil {
		t.Fatalf("InitGenesis: %v", err)
	}

	pool := mempool.New(func(ext []byte) error {
		_, err := runtime.DecodeExtrinsic(ext)
		return err
	}, 100)
	commands := authorship.NewChannel(16)
	return &testNode{
		chain:     ch,
		pool:      pool,
		commands:  commands,
		engine:    authorship.NewEngine(commands, ch, runtime.NewProposer(seal, 0), pool, 0),
		minter:    NewMinter(commands, ch, pool),
		connector: NewConnector(ch, DefaultConnectConfig()),
	}
}

// start serves commands until the test ends.
func (n *testNode) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	n := newIdleNode(t)
	n.start(t)
	return n
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decode(t *testing.T, payload []byte) *block.SignedBlock {
	t.Helper()
	sb, err := block.DecodeSignedBlock(payload)
	if err != nil {
		t.Fatalf("decode minted block: %v", err)
	}
	return sb
}

// checkLinked verifies the canonical chain from genesis up to best.
func checkLinked(t *testing.T, ch *chain.Chain) {
	t.Helper()
	prev := ch.GenesisHash()
	for num := types.BlockNumber(1); num <= ch.BestBlock().Number; num++ {
		sb, err := ch.BlockAt(num)
		if err != nil {
			t.Fatalf("BlockAt(%d): %v", num, err)
		}
		if sb.Header.ParentHash != prev {
			t.Fatalf("#%d parent = %s, want %s", num, sb.Header.ParentHash, prev)
		}
		prev = sb.Hash()
	}
}

// An empty mint builds on the previous best and carries nothing.
func TestMintEmpty(t *testing.T) {
	n := newTestNode(t)
	parent := n.chain.BestBlock()

	payload, external, err := n.minter.Mint(testCtx(t), nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if len(external) != 0 {
		t.Errorf("external = %+v, want none", external)
	}

	sb := decode(t, payload)
	if len(sb.Extrinsics) != 0 {
		t.Errorf("extrinsics = %d, want 0", len(sb.Extrinsics))
	}
	if sb.Header.ParentHash != parent.Hash || sb.Header.Number != parent.Number+1 {
		t.Errorf("minted #%d on %s, want #%d on %s", sb.Header.Number, sb.Header.ParentHash, parent.Number+1, parent.Hash)
	}
	if n.chain.BestBlock().Hash != sb.Hash() {
		t.Error("minted block is not best")
	}
	if n.chain.FinalizedBlock().Hash != sb.Hash() {
		t.Error("minted block is not finalized")
	}
}

func TestMintTwice(t *testing.T) {
	n := newTestNode(t)
	ctx := testCtx(t)

	p1, _, err := n.minter.Mint(ctx, nil)
	if err != nil {
		t.Fatalf("first Mint: %v", err)
	}
	p2, _, err := n.minter.Mint(ctx, nil)
	if err != nil {
		t.Fatalf("second Mint: %v", err)
	}

	b1, b2 := decode(t, p1), decode(t, p2)
	if b2.Header.Number != b1.Header.Number+1 || b2.Header.ParentHash != b1.Hash() {
		t.Errorf("second block #%d on %s, want #%d on %s", b2.Header.Number, b2.Header.ParentHash, b1.Header.Number+1, b1.Hash())
	}
}

func TestMintWithExtraTxs(t *testing.T) {
	n := newTestNode(t)
	txs := []block.ExternalTx{
		{From: "alice", To: "bob", Amount: 10},
		{From: "bob", To: "carol", Amount: 4},
	}

	payload, external, err := n.minter.Mint(testCtx(t), txs)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !reflect.DeepEqual(external, txs) {
		t.Errorf("external = %+v, want %+v", external, txs)
	}
	if got := len(decode(t, payload).Extrinsics); got != 2 {
		t.Errorf("extrinsics = %d, want 2", got)
	}
	if n.pool.Count() != 0 {
		t.Errorf("pool count = %d, want 0", n.pool.Count())
	}

	_, _, err = n.minter.Mint(testCtx(t), []block.ExternalTx{{From: "alice", To: "bob"}})
	if !errors.Is(err, runtime.ErrInvalidExtrinsic) {
		t.Errorf("zero amount: got %v, want ErrInvalidExtrinsic", err)
	}
}

// Mints queued before the engine runs each get their own block, stacked in
// send order, and every transfer lands on the canonical chain.
func TestMintConcurrentQueued(t *testing.T) {
	n := newIdleNode(t)
	txs := []block.ExternalTx{
		{From: "alice", To: "bob", Amount: 1},
		{From: "bob", To: "carol", Amount: 2},
		{From: "carol", To: "dave", Amount: 3},
	}

	type result struct {
		number   types.BlockNumber
		external []block.ExternalTx
		err      error
	}
	results := make(chan result, len(txs))
	for _, tx := range txs {
		go func(tx block.ExternalTx) {
			payload, external, err := n.minter.Mint(testCtx(t), []block.ExternalTx{tx})
			r := result{external: external, err: err}
			if err == nil {
				if sb, derr := block.DecodeSignedBlock(payload); derr == nil {
					r.number = sb.Header.Number
				}
			}
			results <- r
		}(tx)
	}
	waitFor(t, "queued mints", func() bool { return n.commands.Len() == len(txs) })
	n.start(t)

	var numbers []int
	var carried []block.ExternalTx
	for range txs {
		r := <-results
		if r.err != nil {
			t.Fatalf("Mint: %v", r.err)
		}
		numbers = append(numbers, int(r.number))
		carried = append(carried, r.external...)
	}
	sort.Ints(numbers)
	if !reflect.DeepEqual(numbers, []int{1, 2, 3}) {
		t.Errorf("minted numbers = %v, want [1 2 3]", numbers)
	}
	if len(carried) != len(txs) {
		t.Errorf("transfers carried = %d, want %d", len(carried), len(txs))
	}
	if n.chain.BestBlock().Number != 3 {
		t.Errorf("best = #%d, want #3", n.chain.BestBlock().Number)
	}
	checkLinked(t, n.chain)
	if n.pool.Count() != 0 {
		t.Errorf("pool count = %d, want 0", n.pool.Count())
	}
}

// A mint queued behind an automatic seal builds on top of it instead of
// replacing it.
func TestMintAfterQueuedAutomaticSeal(t *testing.T) {
	n := newIdleNode(t)
	tx := block.ExternalTx{From: "erin", To: "frank", Amount: 8}
	if err := SubmitExternal(n.pool, []block.ExternalTx{tx}); err != nil {
		t.Fatalf("SubmitExternal: %v", err)
	}
	auto := authorship.NewReplySlot()
	if err := n.commands.Send(testCtx(t), &authorship.SealNewBlock{Reply: auto}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	type minted struct {
		payload []byte
		err     error
	}
	done := make(chan minted, 1)
	go func() {
		payload, _, err := n.minter.Mint(testCtx(t), nil)
		done <- minted{payload, err}
	}()
	waitFor(t, "queued mint", func() bool { return n.commands.Len() == 2 })
	n.start(t)

	first, err := auto.Wait(testCtx(t))
	if err != nil {
		t.Fatalf("automatic seal: %v", err)
	}
	m := <-done
	if m.err != nil {
		t.Fatalf("Mint: %v", m.err)
	}
	sb := decode(t, m.payload)
	if sb.Header.Number != 2 || sb.Header.ParentHash != first.Hash {
		t.Errorf("mint #%d on %s, want #2 on %s", sb.Header.Number, sb.Header.ParentHash, first.Hash)
	}

	canon, err := n.chain.BlockAt(1)
	if err != nil {
		t.Fatalf("BlockAt(1): %v", err)
	}
	if canon.Hash() != first.Hash {
		t.Error("automatic block left the canonical chain")
	}
	external, err := runtime.ExtractExternal(&canon.Block)
	if err != nil || len(external) != 1 || external[0] != tx {
		t.Errorf("canonical #1 transfers = %+v (%v), want [%+v]", external, err, tx)
	}
}

func TestMintChannelClosed(t *testing.T) {
	n := newTestNode(t)
	n.commands.Close()

	if _, _, err := n.minter.Mint(testCtx(t), nil); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("got %v, want ErrChannelClosed", err)
	}
}

func TestMintContextCancelled(t *testing.T) {
	commands := authorship.NewChannel(1)
	n := newTestNode(t)
	m := NewMinter(commands, n.chain, nil)

	// Nobody serves this channel.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, _, err := m.Mint(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}

// serveOnce answers the first command on commands with fn.
func serveOnce(commands *authorship.Channel, fn func(*authorship.SealNewBlock)) {
	go func() {
		cmd, err := commands.Recv(context.Background())
		if err != nil {
			return
		}
		fn(cmd.(*authorship.SealNewBlock))
	}()
}

func TestMintAborted(t *testing.T) {
	n := newTestNode(t)
	commands := authorship.NewChannel(1)
	serveOnce(commands, func(c *authorship.SealNewBlock) { c.Reply.Drop() })

	_, _, err := NewMinter(commands, n.chain, nil).Mint(testCtx(t), nil)
	if !errors.Is(err, ErrAuthorshipAborted) {
		t.Errorf("got %v, want ErrAuthorshipAborted", err)
	}
}

func TestMintHashMismatch(t *testing.T) {
	n := newTestNode(t)
	if _, _, err := n.minter.Mint(testCtx(t), nil); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	commands := authorship.NewChannel(1)
	serveOnce(commands, func(c *authorship.SealNewBlock) {
		c.Reply.Fulfill(authorship.CreatedBlock{
			Hash:   types.Hash{0x42},
			Number: 1,
			Aux:    chain.ImportedAux{IsNewBest: true},
		}, nil)
	})

	_, _, err := NewMinter(commands, n.chain, nil).Mint(testCtx(t), nil)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("got %v, want ErrInvariantViolation", err)
	}
	if errors.Is(err, ErrBlockVanished) {
		t.Errorf("mismatch reported as vanished: %v", err)
	}
}

func TestMintNotMadeBest(t *testing.T) {
	n := newTestNode(t)
	commands := authorship.NewChannel(1)
	serveOnce(commands, func(c *authorship.SealNewBlock) {
		c.Reply.Fulfill(authorship.CreatedBlock{Hash: n.chain.GenesisHash()}, nil)
	})

	_, _, err := NewMinter(commands, n.chain, nil).Mint(testCtx(t), nil)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("got %v, want ErrInvariantViolation", err)
	}
}

// vanishingChain cannot return any block by number.
type vanishingChain struct {
	Chain
}

func (vanishingChain) BlockAt(types.BlockNumber) (*block.SignedBlock, error) {
	return nil, chain.ErrBlockNotFound
}

func TestMintBlockVanished(t *testing.T) {
	n := newTestNode(t)
	commands := authorship.NewChannel(1)
	serveOnce(commands, func(c *authorship.SealNewBlock) {
		c.Reply.Fulfill(authorship.CreatedBlock{
			Hash:   types.Hash{0x07},
			Number: 9,
			Aux:    chain.ImportedAux{IsNewBest: true},
		}, nil)
	})

	_, _, err := NewMinter(commands, vanishingChain{n.chain}, nil).Mint(testCtx(t), nil)
	if !errors.Is(err, ErrBlockVanished) || !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("got %v, want ErrBlockVanished wrapping ErrInvariantViolation", err)
	}
}

func TestMintEngineError(t *testing.T) {
	n := newTestNode(t)
	commands := authorship.NewChannel(1)
	got := make(chan authorship.SealNewBlock, 1)
	serveOnce(commands, func(c *authorship.SealNewBlock) {
		got <- *c
		c.Reply.Fulfill(authorship.CreatedBlock{}, errors.New("proposer exploded"))
	})

	_, _, err := NewMinter(commands, n.chain, nil).Mint(testCtx(t), nil)
	if err == nil || err.Error() != "proposer exploded" {
		t.Errorf("got %v, want the engine's error", err)
	}
	cmd := <-got
	if !cmd.CreateEmpty || !cmd.Finalize {
		t.Errorf("command = %+v, want CreateEmpty and Finalize", cmd)
	}
	if cmd.ParentHash != nil {
		t.Error("mint should leave the parent to the engine")
	}
}

// Reconnecting the best block reports AlreadyInChain every time.
func TestConnectAlreadyInChain(t *testing.T) {
	n := newTestNode(t)
	payload, _, err := n.minter.Mint(testCtx(t), nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	best := n.chain.BestBlock()

	for i := 0; i < 2; i++ {
		res, err := n.connector.Connect(testCtx(t), payload)
		if err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
		if res.Status != chain.StatusAlreadyInChain.String() {
			t.Errorf("status = %s, want already_in_chain", res.Status)
		}
		if n.chain.BestBlock() != best {
			t.Error("reconnect moved the best block")
		}
	}
}

// A block minted by another node with the same genesis imports and becomes
// best.
func TestConnectNewBlock(t *testing.T) {
	producer := newTestNode(t)
	consumer := newTestNode(t)
	txs := []block.ExternalTx{{From: "alice", To: "bob", Amount: 3}}

	payload, _, err := producer.minter.Mint(testCtx(t), txs)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	res, err := consumer.connector.Connect(testCtx(t), payload)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.Status != chain.StatusImported.String() || !res.Aux.IsNewBest {
		t.Errorf("result = %+v, want imported as new best", res)
	}
	if !reflect.DeepEqual(res.External, txs) {
		t.Errorf("external = %+v, want %+v", res.External, txs)
	}

	best := consumer.chain.BestBlock()
	if best.Hash != decode(t, payload).Hash() {
		t.Error("connected block is not best")
	}
	if consumer.chain.FinalizedBlock() != best {
		t.Error("connected block is not finalized")
	}
}

func TestConnectWithoutTrustedFinality(t *testing.T) {
	producer := newTestNode(t)
	consumer := newTestNode(t)
	connector := NewConnector(consumer.chain, ConnectConfig{TrustFinality: false})

	payload, _, err := producer.minter.Mint(testCtx(t), nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := connector.Connect(testCtx(t), payload); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if consumer.chain.BestBlock().Number != 1 {
		t.Errorf("best = #%d, want #1", consumer.chain.BestBlock().Number)
	}
	if consumer.chain.FinalizedBlock().Number != 0 {
		t.Errorf("finalized = #%d, want #0", consumer.chain.FinalizedBlock().Number)
	}
}

// Malformed bytes and unknown parents leave the chain untouched.
func TestConnectRejections(t *testing.T) {
	producer := newTestNode(t)
	consumer := newTestNode(t)
	before := consumer.chain.BestBlock()

	if _, err := consumer.connector.Connect(testCtx(t), []byte{0x01, 0x02, 0x03}); !errors.Is(err, ErrDecode) {
		t.Errorf("junk payload: got %v, want ErrDecode", err)
	}
	if consumer.chain.BestBlock() != before {
		t.Error("junk payload moved the best block")
	}

	if _, _, err := producer.minter.Mint(testCtx(t), nil); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	second, _, err := producer.minter.Mint(testCtx(t), nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	res, err := consumer.connector.Connect(testCtx(t), second)
	if !errors.Is(err, chain.ErrUnknownParent) {
		t.Errorf("orphan: got %v, want ErrUnknownParent", err)
	}
	var rejected *chain.ImportRejectedError
	if !errors.As(err, &rejected) || rejected.Status != chain.StatusUnknownParent {
		t.Errorf("orphan error = %#v, want *ImportRejectedError with unknown_parent", err)
	}
	if res.Status != chain.StatusUnknownParent.String() || res.Reason == "" {
		t.Errorf("result = %+v, want unknown_parent with a reason", res)
	}
	if consumer.chain.BestBlock() != before {
		t.Error("orphan moved the best block")
	}
}

func TestConnectWithExternal(t *testing.T) {
	producer := newTestNode(t)
	consumer := newTestNode(t)
	txs := []block.ExternalTx{{From: "gina", To: "hal", Amount: 6}}

	if _, err := consumer.connector.ConnectWithExternal(testCtx(t), []byte{0xde, 0xad}, consumer.pool, txs); !errors.Is(err, ErrDecode) {
		t.Fatalf("junk payload: got %v, want ErrDecode", err)
	}
	if consumer.pool.Count() != 0 {
		t.Errorf("undecodable payload queued %d transfers", consumer.pool.Count())
	}

	payload, _, err := producer.minter.Mint(testCtx(t), nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := consumer.connector.ConnectWithExternal(testCtx(t), payload, nil, txs); err == nil {
		t.Error("transfers without a backlog should fail")
	}
	if _, err := consumer.connector.ConnectWithExternal(testCtx(t), payload, consumer.pool, txs); err != nil {
		t.Fatalf("ConnectWithExternal: %v", err)
	}
	if consumer.pool.Count() != 1 {
		t.Errorf("pool count = %d, want 1", consumer.pool.Count())
	}
}

func TestConnectJustifications(t *testing.T) {
	producer := newTestNode(t)
	consumer := newTestNode(t)
	payload, _, err := producer.minter.Mint(testCtx(t), nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	sb := decode(t, payload)
	sb.Justifications = block.Justifications{{Engine: block.SealEngine, Data: []byte("proof")}}
	withJust, err := block.EncodeSignedBlock(sb)
	if err != nil {
		t.Fatalf("EncodeSignedBlock: %v", err)
	}

	if _, err := consumer.connector.Connect(testCtx(t), withJust); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stored, err := consumer.chain.BlockByHash(sb.Hash())
	if err != nil {
		t.Fatalf("BlockByHash: %v", err)
	}
	if !reflect.DeepEqual(stored.Justifications, sb.Justifications) {
		t.Errorf("justifications = %+v, want %+v", stored.Justifications, sb.Justifications)
	}
}

func TestSubmitExternal(t *testing.T) {
	pool := mempool.New(nil, 10)
	txs := []block.ExternalTx{{From: "a", To: "b", Amount: 1}}
	for i := 0; i < 2; i++ {
		if err := SubmitExternal(pool, txs); err != nil {
			t.Fatalf("SubmitExternal %d: %v", i, err)
		}
	}
	if pool.Count() != 1 {
		t.Errorf("pool count = %d, want 1", pool.Count())
	}
}
