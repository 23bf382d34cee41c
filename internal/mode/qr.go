package mode

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidQR is returned for payloads that are neither an AP nor a WiFi code.
var ErrInvalidQR = errors.New("unrecognized QR payload")

var (
	apPattern  = regexp.MustCompile(`(?i)^APMODE(5g|2\.4g)ch(\d+)$`)
	staPattern = regexp.MustCompile(`^WIFI:T:([^;]+);S:([^;]+);P:([^;]+);(.*;)?;$`)

	channels5G  = []int{36, 40, 44, 48, 149, 153, 157, 161, 165}
	channels24G = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
)

// WiFiConfig is a parsed reconfiguration request.
type WiFiConfig struct {
	Mode string // "ap" or "sta"

	// AP mode
	Band    string // "5g" or "2.4g"
	HWMode  string // hostapd hw_mode: "a" or "g"
	Channel int

	// Station mode
	SSID     string
	Password string
	Security string
}

// ParseQR decodes "APMODE<5g|2.4g>ch<N>" or "WIFI:T:<t>;S:<ssid>;P:<pass>;...;;".
func ParseQR(data string) (WiFiConfig, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return WiFiConfig{}, fmt.Errorf("%w: empty", ErrInvalidQR)
	}

	if m := apPattern.FindStringSubmatch(data); m != nil {
		band := strings.ToLower(m[1])
		ch, err := strconv.Atoi(m[2])
		if err != nil {
			return WiFiConfig{}, fmt.Errorf("%w: channel %q", ErrInvalidQR, m[2])
		}
		hw, valid := "g", channels24G
		if band == "5g" {
			hw, valid = "a", channels5G
		}
		if !slices.Contains(valid, ch) {
			return WiFiConfig{}, fmt.Errorf("%w: channel %d is not valid for %s", ErrInvalidQR, ch, band)
		}
		return WiFiConfig{Mode: "ap", Band: band, HWMode: hw, Channel: ch}, nil
	}

	if m := staPattern.FindStringSubmatch(data); m != nil {
		return WiFiConfig{Mode: "sta", Security: m[1], SSID: m[2], Password: m[3]}, nil
	}

	return WiFiConfig{}, fmt.Errorf("%w: %q", ErrInvalidQR, data)
}
