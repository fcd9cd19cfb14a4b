package upload

// Strategy is the way a file is transmitted.
type Strategy int

const (
	// StrategyDirect sends the whole file in one request.
	StrategyDirect Strategy = iota
	// StrategyChunked sends the file in fixed-size chunks that can be resumed.
	StrategyChunked
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyChunked:
		return "chunked"
	default:
		return "unknown"
	}
}

// SelectStrategy returns StrategyChunked for files larger than threshold.
// A file exactly threshold bytes long is still sent directly.
func SelectStrategy(size, threshold int64) Strategy {
	if size > threshold {
		return StrategyChunked
	}
	return StrategyDirect
}
