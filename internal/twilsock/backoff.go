package twilsock

import (
	"math/rand/v2"
	"time"
)

// maxReconnectDelay caps the Fibonacci part of the reconnect backoff.
const maxReconnectDelay = 60 * time.Second

// fibonacci returns the n-th Fibonacci number with fib(0)=0, fib(1)=1.
func fibonacci(n int) int64 {
	var a, b int64 = 0, 1
	for range n {
		a, b = b, a+b
		if a > int64(maxReconnectDelay/time.Second) {
			return a
		}
	}

	return a
}

// reconnectBase is the lower edge of the wait window after failedAttempts
// consecutive failures: fib(failedAttempts) seconds, capped.
func reconnectBase(failedAttempts int) time.Duration {
	return min(time.Duration(fibonacci(failedAttempts))*time.Second, maxReconnectDelay)
}

// reconnectDelay picks a uniform delay in [base, base+1s).
func reconnectDelay(failedAttempts int, float func() float64) time.Duration {
	if float == nil {
		float = rand.Float64
	}

	return reconnectBase(failedAttempts) + time.Duration(float()*float64(time.Second))
}
