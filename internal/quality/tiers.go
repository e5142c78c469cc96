// Package quality maps named recording quality tiers to resolutions and
// resolves a requested tier against what a device supports.
package quality

import (
	"fmt"
	"sort"
	"strings"
)

// Tier is a recording quality preset. Lowest and Highest are relative and
// only meaningful once resolved against a device's supported tiers.
type Tier int

const (
	TierUnset Tier = iota
	TierSD
	TierHD
	TierFHD
	TierUHD
	TierLowest
	TierHighest
)

// DefaultTier is used when a capture config leaves quality unset.
const DefaultTier = TierHD

func (t Tier) String() string {
	switch t {
	case TierUnset:
		return "unset"
	case TierSD:
		return "sd"
	case TierHD:
		return "hd"
	case TierFHD:
		return "fhd"
	case TierUHD:
		return "uhd"
	case TierLowest:
		return "lowest"
	case TierHighest:
		return "highest"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Concrete reports whether the tier names a fixed resolution.
func (t Tier) Concrete() bool {
	return t >= TierSD && t <= TierUHD
}

// ParseTier accepts the lowercase tier names plus the usual resolution aliases.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return TierUnset, nil
	case "sd", "480p":
		return TierSD, nil
	case "hd", "720p":
		return TierHD, nil
	case "fhd", "1080p":
		return TierFHD, nil
	case "uhd", "4k", "2160p":
		return TierUHD, nil
	case "lowest":
		return TierLowest, nil
	case "highest":
		return TierHighest, nil
	default:
		return TierUnset, fmt.Errorf("unknown quality tier %q", s)
	}
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) Pixels() int {
	return r.Width * r.Height
}

// Fits reports whether r is no larger than max in both dimensions.
func (r Resolution) Fits(max Resolution) bool {
	return r.Width <= max.Width && r.Height <= max.Height
}

// Profile holds the encoding parameters of a concrete tier.
type Profile struct {
	Tier       Tier
	Resolution Resolution
	// BitRate is the nominal encoding bitrate in bits per second.
	BitRate int
	// JPEGQuality is used for motion-JPEG video frames.
	JPEGQuality int
}

var profiles = map[Tier]Profile{
	TierSD:  {Tier: TierSD, Resolution: Resolution{Width: 854, Height: 480}, BitRate: 2_000_000, JPEGQuality: 60},
	TierHD:  {Tier: TierHD, Resolution: Resolution{Width: 1280, Height: 720}, BitRate: 4_000_000, JPEGQuality: 70},
	TierFHD: {Tier: TierFHD, Resolution: Resolution{Width: 1920, Height: 1080}, BitRate: 8_000_000, JPEGQuality: 80},
	TierUHD: {Tier: TierUHD, Resolution: Resolution{Width: 3840, Height: 2160}, BitRate: 20_000_000, JPEGQuality: 85},
}

// ProfileFor returns the profile of a concrete tier.
func ProfileFor(t Tier) (Profile, bool) {
	p, ok := profiles[t]
	return p, ok
}

// All returns the concrete tiers from lowest to highest.
func All() []Tier {
	return []Tier{TierSD, TierHD, TierFHD, TierUHD}
}

// SupportedFor returns the concrete tiers whose resolution fits a sensor of
// the given maximum size. A 640x480 sensor supports none; callers treat an
// empty result as "unknown" and skip fallback.
func SupportedFor(maxWidth, maxHeight int) []Tier {
	max := Resolution{Width: maxWidth, Height: maxHeight}
	var out []Tier
	for _, t := range All() {
		if profiles[t].Resolution.Fits(max) {
			out = append(out, t)
		}
	}
	return out
}

// Resolve picks the tier to record with. A requested tier that the device
// supports is returned as is; Lowest and Highest select from supported; any
// other request falls back to the highest supported tier and fellBack is
// true. With no supported list the request is returned unchanged, with
// TierUnset, Lowest and Highest mapped to DefaultTier.
func Resolve(requested Tier, supported []Tier) (tier Tier, fellBack bool) {
	if requested == TierUnset {
		requested = DefaultTier
	}

	concrete := make([]Tier, 0, len(supported))
	for _, t := range supported {
		if t.Concrete() {
			concrete = append(concrete, t)
		}
	}
	if len(concrete) == 0 {
		if !requested.Concrete() {
			return DefaultTier, false
		}
		return requested, false
	}
	sort.Slice(concrete, func(i, j int) bool { return concrete[i] < concrete[j] })

	switch requested {
	case TierLowest:
		return concrete[0], false
	case TierHighest:
		return concrete[len(concrete)-1], false
	}
	for _, t := range concrete {
		if t == requested {
			return t, false
		}
	}
	return concrete[len(concrete)-1], true
}
