//go:build !linux

package reaper

import "errors"

func setSubreaper() error {
	return errors.New("child subreaper is only supported on linux")
}
