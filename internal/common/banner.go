package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner displays the service banner at startup.
func PrintBanner(service string) {
	banner.PrintSimple(service, GetVersion())
}
