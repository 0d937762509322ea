package dispatcher

import (
	"fmt"
	"strings"

	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewDefault()
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func samplePairs(n int) []fingerprint.Pair {
	pairs := make([]fingerprint.Pair, n)
	for i := 0; i < n; i++ {
		x := fingerprint.Fingerprint(strings.Repeat(fmt.Sprintf("%X", i%16), 40))
		y := fingerprint.Fingerprint(strings.Repeat(fmt.Sprintf("%X", (i+1)%16), 40))
		pairs[i] = fingerprint.NewPair(x, y)
	}
	return pairs
}
