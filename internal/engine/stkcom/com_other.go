//go:build !windows
// +build !windows

package stkcom

import "context"

// Dial is not available off windows.
func Dial(ctx context.Context, cfg Config) (Conn, error) {
	return nil, ErrUnsupported
}
