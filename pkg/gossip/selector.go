package gossip

import (
	"crypto/rand"
	"encoding/binary"
	"math"

	"github.com/gossipmesh/gossipmesh/internal/identity"
)

// DefaultIntraBias is the default fraction of the gossip factor reserved
// for intra-community fan-out, per the tunable default on
// INTRA_BIAS tuning. 0.7 is the spec's recommended default.
const DefaultIntraBias = 0.7

// selectPeers partitions candidates
// into intra-community and inter-community sets, bias the fan-out count
// toward intra-community per intraBias, and sample uniformly without
// replacement from each partition. exclude is typically the delivering
// peer (never forwarded back to).
func selectPeers(candidates []peerInfo, selfCommunity uint32, exclude map[identity.NodeID]struct{}, k int, intraBias float64) []peerInfo {
	if k <= 0 {
		return nil
	}

	var pool []peerInfo
	for _, p := range candidates {
		if _, skip := exclude[p.NodeID]; skip {
			continue
		}
		pool = append(pool, p)
	}
	if len(pool) <= k {
		return pool
	}

	var intra, inter []peerInfo
	for _, p := range pool {
		if p.CommunityKnown && p.CommunityID == selfCommunity {
			intra = append(intra, p)
		} else {
			inter = append(inter, p)
		}
	}

	kIntra := int(math.Ceil(float64(k) * intraBias))
	if kIntra > len(intra) {
		kIntra = len(intra)
	}
	kInter := k - kIntra
	if kInter > len(inter) {
		kInter = len(inter)
	}
	// If inter came up short, backfill from intra (and vice versa) so the
	// total returned is still min(k, |pool|) whenever possible.
	if kIntra+kInter < k {
		if remaining := len(intra) - kIntra; remaining > 0 {
			add := k - kIntra - kInter
			if add > remaining {
				add = remaining
			}
			kIntra += add
		}
	}

	result := make([]peerInfo, 0, kIntra+kInter)
	result = append(result, sampleWithoutReplacement(intra, kIntra)...)
	result = append(result, sampleWithoutReplacement(inter, kInter)...)
	return result
}

// sampleWithoutReplacement draws n elements from pool uniformly at random
// without replacement, using a CSPRNG.
func sampleWithoutReplacement(pool []peerInfo, n int) []peerInfo {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	if n >= len(pool) {
		out := make([]peerInfo, len(pool))
		copy(out, pool)
		return out
	}

	// Fisher-Yates partial shuffle over a copy, drawing indices from
	// crypto/rand so fan-out selection cannot be predicted or biased by
	// an adversary observing prior gossip rounds.
	work := make([]peerInfo, len(pool))
	copy(work, pool)
	for i := 0; i < n; i++ {
		j := i + cryptoIntn(len(work)-i)
		work[i], work[j] = work[j], work[i]
	}
	return work[:n]
}

// cryptoIntn returns a uniform random int in [0, n) using crypto/rand.
func cryptoIntn(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint64(b[:])
	return int(v % uint64(n))
}
