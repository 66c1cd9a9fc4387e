package core

import (
	"fmt"

	"github.com/trustmod/tokencore/objects"
	"github.com/trustmod/tokencore/softmodule"
)

// NewTrustModule creates the trust-module transport of type "moduleType".
// Currently only the in-memory soft module is implemented; hardware
// transports plug in here.
func NewTrustModule(moduleType string) (objects.TrustModule, error) {
	switch moduleType {
	case "soft":
		return softmodule.New(), nil
	default:
		return nil, fmt.Errorf("trust module option not found: '%s'", moduleType)
	}
}
