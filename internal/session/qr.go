package session

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// qrDataURL renders a pairing code as a PNG data URL for the dashboard.
func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
