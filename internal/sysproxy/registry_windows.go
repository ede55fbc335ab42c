//go:build windows

package sysproxy

import (
	"golang.org/x/sys/windows/registry"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

func readInternetSettings() (InternetSettings, error) {
	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.QUERY_VALUE)
	if err != nil {
		return InternetSettings{}, err
	}
	defer key.Close()

	enable, _, err := key.GetIntegerValue("ProxyEnable")
	if err != nil {
		return InternetSettings{}, err
	}
	server, _, err := key.GetStringValue("ProxyServer")
	if err != nil && err != registry.ErrNotExist {
		return InternetSettings{}, err
	}
	return InternetSettings{ProxyEnable: enable == 1, ProxyServer: server}, nil
}
