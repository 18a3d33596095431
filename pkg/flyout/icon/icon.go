// Package icon holds the embedded tray and notification icon.
package icon

import _ "embed"

// FlyoutLogo is the application icon in ICO format.
//
//go:embed flyout.ico
var FlyoutLogo []byte
