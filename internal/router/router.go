// Package router maps accounts onto egress proxies
package router

import (
	apperrors "copytrade/pkg/errors"
)

// Assign splits accounts into contiguous blocks of ceil(n/len(proxies)) and
// gives block i the i-th proxy. Indexes past the last block keep the last proxy.
// The result is indexed by account position and never reorders accounts.
func Assign(n int, proxies []string) ([]string, error) {
	m := len(proxies)
	if m == 0 {
		return nil, apperrors.ErrNoEgress
	}
	if n <= 0 {
		return []string{}, nil
	}

	block := (n + m - 1) / m
	out := make([]string, n)
	for i := 0; i < n; i++ {
		p := i / block
		if p >= m {
			p = m - 1
		}
		out[i] = proxies[p]
	}
	return out, nil
}
