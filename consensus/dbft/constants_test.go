package dbft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestByzantineThreshold(t *testing.T) {
	cases := map[int]int{4: 3, 5: 4, 6: 5, 7: 5, 10: 7, 21: 15}
	for n, want := range cases {
		require.Equal(t, want, ByzantineThreshold(n), "n=%d", n)
	}

	for n := MinValidators; n <= MaxValidators; n++ {
		threshold := ByzantineThreshold(n)
		f := F(n)
		require.Equal(t, n, threshold+f, "n=%d", n)
		// 두 정족수는 최소 한 명의 정직한 검증자를 공유한다
		require.Greater(t, 2*threshold-n, f, "n=%d", n)
		require.GreaterOrEqual(t, f, 1, "n=%d", n)
	}
}

func TestPrimaryIndex(t *testing.T) {
	require.Equal(t, uint8(0), PrimaryIndex(0, 7))
	require.Equal(t, uint8(3), PrimaryIndex(3, 7))
	require.Equal(t, uint8(1), PrimaryIndex(8, 7))
	require.Equal(t, uint8(255%4), PrimaryIndex(255, 4))
}

func TestNextViewWraps(t *testing.T) {
	require.Equal(t, uint8(1), NextView(0))
	require.Equal(t, uint8(255), NextView(254))
	require.Equal(t, uint8(0), NextView(255))
}

func TestCalculateViewTimeout(t *testing.T) {
	base := 10 * time.Second
	require.Equal(t, base, CalculateViewTimeout(base, 0))
	require.Equal(t, 15*time.Second, CalculateViewTimeout(base, 1))
	require.Equal(t, 22500*time.Millisecond, CalculateViewTimeout(base, 2))

	capped := CalculateViewTimeout(base, 10)
	require.Equal(t, capped, CalculateViewTimeout(base, 11))
	require.Equal(t, capped, CalculateViewTimeout(base, 255))

	for v := 1; v <= 10; v++ {
		require.Greater(t, CalculateViewTimeout(base, uint8(v)), CalculateViewTimeout(base, uint8(v-1)))
	}
}
