package types

import (
	"fmt"
	"runtime"
	"strings"
)

type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

// Matches reports whether p satisfies want. An empty variant in want matches
// any variant.
func (p Platform) Matches(want Platform) bool {
	if p.OS != want.OS || p.Architecture != want.Architecture {
		return false
	}
	return want.Variant == "" || p.Variant == want.Variant
}

func ParsePlatform(platform string) Platform {
	parts := strings.Split(platform, "/")
	if len(parts) < 2 {
		return GetHostPlatform()
	}

	p := Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}

	if len(parts) > 2 {
		p.Variant = parts[2]
	}

	return p
}

// GetHostPlatform returns the platform images run on here. Container images
// are Linux images even on darwin hosts running a VM.
func GetHostPlatform() Platform {
	return Platform{
		OS:           "linux",
		Architecture: runtime.GOARCH,
	}
}
