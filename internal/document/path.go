package document

import (
	"strconv"
	"strings"
)

// ComparePaths orders element paths segment by segment. Sibling indexes are
// compared numerically so "/a[1]/b[2]" sorts before "/a[1]/b[10]". It returns
// -1, 0 or +1.
func ComparePaths(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "/"), "/")
	bs := strings.Split(strings.TrimPrefix(b, "/"), "/")

	for i := 0; i < len(as) && i < len(bs); i++ {
		an, ai := splitSegment(as[i])
		bn, bi := splitSegment(bs[i])
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

// splitSegment splits "tag[3]" into ("tag", 3). Segments without an index,
// such as a trailing marker, report index 0.
func splitSegment(seg string) (string, int) {
	open := strings.LastIndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return seg, 0
	}
	n, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil {
		return seg, 0
	}
	return seg[:open], n
}

// SplitKey splits an element key into its path and marker.
func SplitKey(key string) (path, marker string) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}
