package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/consensus/engine"
	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/transport"
	"github.com/ahwlsqja/eth-consensus/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const genesisTime = 1_700_000_000

// testClock is a settable clock shared by a node and its test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(unix int64) *testClock {
	return &testClock{now: time.Unix(unix, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func writeKey(t *testing.T, dir string) (*crypto.KeyPair, string) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	path := filepath.Join(dir, "node.key")
	require.NoError(t, SaveKey(path, kp))
	return kp, path
}

func testConfig(t *testing.T, engine string, dir string) (*Config, *crypto.KeyPair) {
	t.Helper()
	kp, keyFile := writeKey(t, dir)
	cfg := DefaultConfig()
	cfg.Engine = engine
	cfg.Validators = []string{kp.Address().Hex()}
	cfg.KeyFile = keyFile
	cfg.Produce = true
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.GenesisTime = genesisTime
	return cfg, kp
}

func newNode(t *testing.T, cfg *Config, clock *testClock) *Node {
	t.Helper()
	n, err := New(cfg, WithLogger(zaptest.NewLogger(t)), WithClock(clock.Now))
	require.NoError(t, err)
	return n
}

func TestKeys(t *testing.T) {
	dir := t.TempDir()
	kp, path := writeKey(t, dir)

	loaded, err := LoadKey(path)
	require.NoError(t, err)
	require.Equal(t, kp.Address(), loaded.Address())

	require.ErrorIs(t, SaveKey(path, kp), ErrKeyExists)
	_, err = LoadKey(filepath.Join(dir, "missing.key"))
	require.Error(t, err)
}

func TestCliqueNode(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg, kp := testConfig(t, "clique", dir)
	clock := newTestClock(genesisTime)
	n := newNode(t, cfg, clock)

	// 블록 주기 전에는 생산하지 않음
	block, err := n.Produce(ctx)
	require.NoError(t, err)
	require.Nil(t, block)

	clock.Advance(15 * time.Second)
	block1, err := n.Produce(ctx)
	require.NoError(t, err)
	require.NotNil(t, block1)
	require.Equal(t, uint64(1), block1.Number())

	clock.Advance(15 * time.Second)
	require.NoError(t, n.Tick(ctx))
	head, err := n.Head()
	require.NoError(t, err)
	require.Equal(t, uint64(2), head.Number)

	height, err := n.LatestHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), height)

	blocks, err := n.GetBlocks(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	require.Equal(t, block1.Hash(), blocks[1].Hash())

	require.Equal(t, kp.Address(), n.Validators()[0])
	require.ErrorIs(t, n.SubmitAttestation(&types.Attestation{Slot: 1}), engine.ErrNotProofOfStake)

	st := n.Status()
	require.Equal(t, "clique", st.Engine)
	require.Equal(t, uint64(2), st.HeadNumber)
	require.Equal(t, kp.Address(), *st.Address)
	require.Equal(t, uint64(2), st.Metrics.BlocksImported)

	require.ErrorIs(t, n.SubmitBlock(ctx, block1), consensus.ErrKnownBlock)
	require.NoError(t, n.Close())

	// 재시작 시 저장된 체인을 재생
	n = newNode(t, cfg, clock)
	defer n.Close()
	head, err = n.Head()
	require.NoError(t, err)
	require.Equal(t, uint64(2), head.Number)

	clock.Advance(15 * time.Second)
	block3, err := n.Produce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), block3.Number())

	t.Run("GenesisMismatch", func(t *testing.T) {
		other := *cfg
		other.GenesisTime = genesisTime + 1
		other.DataDir = filepath.Join(dir, "data2")
		n2 := newNode(t, &other, clock)
		require.NoError(t, n2.Close())

		other.GenesisTime = genesisTime + 2
		_, err := New(&other, WithLogger(zaptest.NewLogger(t)), WithClock(clock.Now))
		require.Error(t, err)
	})
}

func TestProofOfStakeNode(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg, _ := testConfig(t, "pos", dir)
	cfg.EpochLength = 4
	cfg.BlockPeriod = 12

	// 제네시스 이후 첫 에폭 경계 슬롯에서 시작
	start := (int64(genesisTime)/48 + 1) * 48
	clock := newTestClock(start)
	n := newNode(t, cfg, clock)
	defer n.Close()

	slot := uint64(start) / 12
	require.NoError(t, n.Tick(ctx))
	head, err := n.Head()
	require.NoError(t, err)
	require.Equal(t, uint64(1), head.Number)
	require.Equal(t, slot*12, head.Time)

	fin := n.Finality()
	require.NotNil(t, fin.Justified)
	require.Equal(t, head.Hash(), fin.Justified.Root)
	require.Nil(t, fin.Finalized)
	require.Zero(t, n.Pool().Size())

	// 같은 에폭에서는 다시 증명하지 않음
	clock.Advance(12 * time.Second)
	require.NoError(t, n.Tick(ctx))
	head, err = n.Head()
	require.NoError(t, err)
	require.Equal(t, uint64(2), head.Number)

	// 다음 에폭이 정당화되면 이전 체크포인트가 확정됨
	clock.Advance(36 * time.Second)
	require.NoError(t, n.Tick(ctx))
	fin = n.Finality()
	require.NotNil(t, fin.Finalized)
	require.Equal(t, n.chainConfig.Epoch(slot), fin.Finalized.Epoch)

	stored, err := n.Store().ReadFinalized()
	require.NoError(t, err)
	require.Equal(t, fin.Finalized.Root, stored.Hash())
}

func TestSyncBetweenNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()
	cfg, kp := testConfig(t, "clique", filepath.Join(dir, "a"))
	clock := newTestClock(genesisTime)

	source := newNode(t, cfg, clock)
	defer source.Close()
	for i := 0; i < 5; i++ {
		clock.Advance(15 * time.Second)
		_, err := source.Produce(ctx)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- source.Run(ctx) }()
	require.Eventually(t, func() bool {
		return source.IsRunning() && source.GRPCAddr() != "127.0.0.1:0"
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, source.Run(ctx), ErrAlreadyRunning)

	// 같은 체인 설정의 비생산 노드
	follower := *cfg
	follower.Produce = false
	follower.KeyFile = ""
	follower.DataDir = filepath.Join(dir, "b")
	require.Equal(t, []string{kp.Address().Hex()}, follower.Validators)
	f := newNode(t, &follower, clock)
	defer f.Close()

	require.NoError(t, f.SyncFrom(ctx, source.GRPCAddr()))
	head, err := f.Head()
	require.NoError(t, err)
	require.Equal(t, uint64(5), head.Number)
	stored, err := f.Store().ReadHead()
	require.NoError(t, err)
	require.Equal(t, head.Hash(), stored.Hash())

	_, err = f.Produce(ctx)
	require.ErrorIs(t, err, ErrNoKey)

	// 새 블록은 gRPC 로 전달
	clock.Advance(15 * time.Second)
	block, err := source.Produce(ctx)
	require.NoError(t, err)
	client, err := transport.Dial(source.GRPCAddr())
	require.NoError(t, err)
	require.ErrorIs(t, client.SubmitBlock(ctx, block), consensus.ErrKnownBlock)
	require.NoError(t, client.Close())

	require.NoError(t, f.SubmitBlock(ctx, block))
	height, err := f.LatestHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(6), height)

	cancel()
	require.NoError(t, <-done)
	require.False(t, source.IsRunning())
}

func TestStatusHandler(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := testConfig(t, "clique", dir)
	n := newNode(t, cfg, newTestClock(genesisTime))
	defer n.Close()

	rec := httptest.NewRecorder()
	n.httpSrv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, uint64(1337), st.ChainID)
	require.Equal(t, n.genesis.Hash(), st.HeadHash)

	rec = httptest.NewRecorder()
	n.httpSrv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "consensusd_validators 1")
}
