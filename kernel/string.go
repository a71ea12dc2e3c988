package kernel

func memset(dst []byte, c byte) {
	for i := range dst {
		dst[i] = c
	}
}

// safestrcpy is like strncpy but keeps at most n-1 bytes, the way
// process names are stored.
func safestrcpy(s string, n int) string {
	if len(s) >= n {
		return s[:n-1]
	}
	return s
}
