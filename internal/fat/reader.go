package fat

import "fmt"

// chainCapMargin pads the chain-walk iteration cap past the cluster count.
// A valid chain can never exceed the cluster count; the margin only delays
// the abort on a cyclic FAT.
const chainCapMargin = 16

// chainClusters walks the FAT from first until an end-of-chain marker and
// returns the visited cluster indices. The walk aborts with ErrChainCorrupt
// when it leaves the valid cluster range or exceeds the iteration cap.
func chainClusters(img []byte, g Geometry, first int) ([]int, error) {
	var chain []int
	limit := g.ClusterCount + chainCapMargin
	cl := first
	for {
		if !g.validCluster(cl) {
			return nil, fmt.Errorf("cluster %d out of range: %w", cl, ErrChainCorrupt)
		}
		chain = append(chain, cl)
		if len(chain) > limit {
			return nil, fmt.Errorf("chain exceeds %d clusters: %w", limit, ErrChainCorrupt)
		}
		next := fatEntry(img, g, cl)
		if g.endOfChain(next) {
			return chain, nil
		}
		cl = next
	}
}

// chainBytes concatenates the raw data of every cluster in the chain.
func chainBytes(img []byte, g Geometry, chain []int) []byte {
	bpc := g.BytesPerCluster()
	out := make([]byte, 0, len(chain)*bpc)
	for _, cl := range chain {
		off := g.clusterOffset(cl)
		out = append(out, img[off:off+int64(bpc)]...)
	}
	return out
}

// ReadBySize reads exactly entry.Size bytes of a file by following its
// cluster chain. Clusters may be over-allocated past the logical end; the
// excess is not returned.
func ReadBySize(img []byte, g Geometry, e DirEntry) ([]byte, error) {
	if e.Size == 0 {
		return nil, nil
	}
	chain, err := chainClusters(img, g, e.FirstCluster)
	if err != nil {
		return nil, err
	}
	data := chainBytes(img, g, chain)
	if int64(len(data)) < int64(e.Size) {
		return nil, fmt.Errorf("chain covers %d bytes, entry records %d: %w",
			len(data), e.Size, ErrChainCorrupt)
	}
	return data[:e.Size], nil
}

// ReadByChain reads a file by chain alone, ignoring the directory size field.
// This is how content of files the guest OS has not yet closed (size still
// zero on disk) is observed. Clusters are zero-padded, so trailing NUL bytes
// are trimmed from the tail; a nil result means no data.
func ReadByChain(img []byte, g Geometry, firstCluster int) ([]byte, error) {
	if firstCluster < 2 {
		return nil, nil
	}
	chain, err := chainClusters(img, g, firstCluster)
	if err != nil {
		return nil, err
	}
	data := trimTrailingZeros(chainBytes(img, g, chain))
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func trimTrailingZeros(b []byte) []byte {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return b[:n]
}
