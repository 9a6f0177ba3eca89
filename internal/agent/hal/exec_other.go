//go:build !unix

package hal

import "errors"

func execSelf(string, []string, []string) error {
	return errors.New("hal: re-exec is not supported on this platform")
}
