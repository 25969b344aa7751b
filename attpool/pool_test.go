package attpool

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ahwlsqja/eth-consensus/metrics"
	"github.com/ahwlsqja/eth-consensus/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func att(validator byte, slot, epoch uint64) *types.Attestation {
	return &types.Attestation{
		Slot:      slot,
		Validator: common.BytesToAddress([]byte{validator}),
		Target:    types.Checkpoint{Epoch: epoch, Root: common.BytesToHash([]byte{byte(slot)})},
	}
}

func newPool(t *testing.T, cfg *Config, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(cfg, opts...)
}

func TestAdd(t *testing.T) {
	p := newPool(t, nil)

	require.ErrorIs(t, p.Add(nil), ErrNilAttestation)
	require.NoError(t, p.Add(att(1, 5, 0)))
	require.ErrorIs(t, p.Add(att(1, 5, 0)), ErrAlreadyKnown)
	require.ErrorIs(t, p.Add(att(1, 4, 0)), ErrAlreadyKnown)

	// 같은 에폭의 더 늦은 슬롯은 교체
	require.NoError(t, p.Add(att(1, 6, 0)))
	got, ok := p.Get(common.BytesToAddress([]byte{1}))
	require.True(t, ok)
	require.Equal(t, uint64(6), got.Slot)

	// 더 높은 타깃 에폭은 교체
	require.NoError(t, p.Add(att(1, 3, 1)))
	got, _ = p.Get(common.BytesToAddress([]byte{1}))
	require.Equal(t, uint64(1), got.Target.Epoch)
	require.Equal(t, 1, p.Size())
}

func TestVerifier(t *testing.T) {
	errBad := errors.New("bad attestation")
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	p := newPool(t, nil, WithMetrics(m), WithVerifier(func(a *types.Attestation) error {
		if a.Slot == 13 {
			return errBad
		}
		return nil
	}))

	require.ErrorIs(t, p.Add(att(1, 13, 0)), errBad)
	require.NoError(t, p.Add(att(1, 12, 0)))
	require.Equal(t, 1, p.Size())
}

func TestCapacity(t *testing.T) {
	p := newPool(t, &Config{MaxAttestations: 3, TTL: time.Minute})

	require.NoError(t, p.Add(att(1, 10, 0)))
	require.NoError(t, p.Add(att(2, 11, 0)))
	require.NoError(t, p.Add(att(3, 12, 0)))

	// 가장 오래된 슬롯보다 새롭지 않으면 거부
	require.ErrorIs(t, p.Add(att(4, 10, 0)), ErrPoolFull)

	require.NoError(t, p.Add(att(4, 13, 0)))
	require.Equal(t, 3, p.Size())
	_, ok := p.Get(common.BytesToAddress([]byte{1}))
	require.False(t, ok)

	// 기존 검증자의 교체는 퇴출 없이 허용
	require.NoError(t, p.Add(att(2, 14, 0)))
	require.Equal(t, 3, p.Size())
}

func TestReap(t *testing.T) {
	p := newPool(t, nil)
	require.NoError(t, p.Add(att(3, 7, 0)))
	require.NoError(t, p.Add(att(2, 7, 0)))
	require.NoError(t, p.Add(att(1, 9, 0)))
	require.NoError(t, p.Add(att(4, 5, 0)))

	pending := p.Pending()
	require.Len(t, pending, 4)
	require.Equal(t, 4, p.Size())

	reaped := p.Reap(3)
	require.Len(t, reaped, 3)
	require.Equal(t, uint64(5), reaped[0].Slot)
	require.Equal(t, common.BytesToAddress([]byte{2}), reaped[1].Validator)
	require.Equal(t, common.BytesToAddress([]byte{3}), reaped[2].Validator)
	require.Equal(t, 1, p.Size())

	rest := p.Reap(0)
	require.Len(t, rest, 1)
	require.Equal(t, uint64(9), rest[0].Slot)
	require.Zero(t, p.Size())
}

func TestPruneBefore(t *testing.T) {
	p := newPool(t, nil)
	require.NoError(t, p.Add(att(1, 1, 0)))
	require.NoError(t, p.Add(att(2, 33, 1)))
	require.NoError(t, p.Add(att(3, 65, 2)))

	require.Equal(t, 2, p.PruneBefore(2))
	require.Equal(t, 1, p.Size())
	require.Zero(t, p.PruneBefore(2))

	p.Flush()
	require.Zero(t, p.Size())
}

func TestExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	p := newPool(t, &Config{MaxAttestations: 10, TTL: time.Minute}, WithClock(func() time.Time { return now }))

	require.NoError(t, p.Add(att(1, 1, 0)))
	now = now.Add(45 * time.Second)
	require.NoError(t, p.Add(att(2, 2, 0)))

	now = now.Add(30 * time.Second)
	require.Equal(t, 1, p.expire())
	_, ok := p.Get(common.BytesToAddress([]byte{2}))
	require.True(t, ok)
}

func TestStartStop(t *testing.T) {
	p := newPool(t, &Config{MaxAttestations: 10, TTL: 20 * time.Millisecond})
	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	require.NoError(t, p.Add(att(1, 1, 0)))

	require.Eventually(t, func() bool { return p.Size() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}
