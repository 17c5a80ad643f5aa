// Package randx は学習ループに注入する乱数源をまとめる。
package randx

import (
	"math/rand"

	"github.com/seehuhn/mt19937"
)

// Shuffler は一様なインプレースシャッフルを提供する乱数源。
// *math/rand.Rand と *math/rand/v2.Rand はどちらも満たす。
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

// NewMT19937 は seed で初期化したメルセンヌ・ツイスタを返す。同じ seed なら同じ系列になる。
func NewMT19937(seed int64) *rand.Rand {
	rng := rand.New(mt19937.New())
	rng.Seed(seed)
	return rng
}

// Range は 0..n-1 を返す。shuffle が true なら s で並べ替える。
func Range(n int, shuffle bool, s Shuffler) []int {
	idxs := make([]int, n)
	for i := range idxs {
		idxs[i] = i
	}
	if shuffle && n > 1 {
		s.Shuffle(n, func(i, j int) {
			idxs[i], idxs[j] = idxs[j], idxs[i]
		})
	}
	return idxs
}

// Perm は s から一様な置換を引く。
func Perm(n int, s Shuffler) []int {
	return Range(n, true, s)
}
