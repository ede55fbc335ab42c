//go:build !windows

package sysproxy

import "errors"

func readInternetSettings() (InternetSettings, error) {
	return InternetSettings{}, errors.New("sysproxy: internet settings are only available on windows")
}
