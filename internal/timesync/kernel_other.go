//go:build !linux

package timesync

import "errors"

func kernelSynced() (bool, error) {
	return false, errors.New("kernel sync state unavailable")
}
