// Package credentials holds the handful of secrets the firmware needs at
// boot: the WiFi network to join and the shared secret that gates OTA
// endpoints. Each is a go:embed'd text file so a deployment can bake in
// site-specific values without touching the source that reads them.
package credentials

import (
	_ "embed"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed ota_auth_secret.text
	otaAuthSecret string
)

// SSID returns the WiFi network name to join at boot.
func SSID() string {
	return ssid
}

// Password returns the WiFi network password to join at boot.
func Password() string {
	return pass
}

// OTAAuthSecret returns the shared secret a caller must present in the
// X-Ota-Auth header before sink.Session accepts an update or an
// enable/disable request. An empty secret (the default) disables the
// check, matching sink.Session.SetAuthSecret's no-auth default.
func OTAAuthSecret() string {
	return otaAuthSecret
}
