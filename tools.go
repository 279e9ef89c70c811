//go:build tools

package configmonitor

import (
	_ "github.com/mgechev/revive"
)
