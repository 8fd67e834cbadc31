package IO

import (
	"bufio"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadNeighborIndex loads precomputed neighbor lists: line i holds the
// whitespace separated indices of the pool sentences retrieved for query
// sentence i, best first.
func ReadNeighborIndex(path string, queries, poolSize int) ([][]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open neighbor index %s", path)
	}
	defer f.Close()
	idx, err := ParseNeighborIndex(f, queries, poolSize)
	if err != nil {
		return nil, errors.Wrapf(err, "read neighbor index %s", path)
	}
	return idx, nil
}

// ParseNeighborIndex is ReadNeighborIndex over a reader.
func ParseNeighborIndex(r io.Reader, queries, poolSize int) ([][]int, error) {
	out := make([][]int, 0, queries)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<22)
	for sc.Scan() {
		q := len(out)
		if q >= queries {
			if strings.TrimSpace(sc.Text()) == "" {
				continue
			}
			return nil, errors.Errorf("more than %d neighbor lists", queries)
		}
		fields := strings.Fields(sc.Text())
		list := make([]int, 0, len(fields))
		for _, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", q+1)
			}
			if n < 0 || n >= poolSize {
				return nil, errors.Errorf("line %d: neighbor %d outside pool of %d", q+1, n, poolSize)
			}
			list = append(list, n)
		}
		out = append(out, list)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) != queries {
		return nil, errors.Errorf("%d neighbor lists for %d sentences", len(out), queries)
	}
	return out, nil
}

// RandomNeighbors draws k distinct pool sentences per query. With
// excludeSelf, query i never gets pool sentence i.
func RandomNeighbors(queries, poolSize, k int, excludeSelf bool, rng *rand.Rand) [][]int {
	out := make([][]int, queries)
	for q := range out {
		avail := poolSize
		if excludeSelf && q < poolSize {
			avail--
		}
		n := min(k, avail)
		if n <= 0 {
			continue
		}
		perm := rng.Perm(poolSize)
		list := make([]int, 0, n)
		for _, p := range perm {
			if excludeSelf && p == q {
				continue
			}
			list = append(list, p)
			if len(list) == n {
				break
			}
		}
		out[q] = list
	}
	return out
}
