package distributed

import (
	"strconv"
	"strings"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Placement of a shard: the rank of the participant that owns it and the device where its data lives.
//
// Its text form is "rank:<rank>/<device>", e.g. "rank:1/cuda:1".
type Placement struct {
	Rank   int
	Device buffers.Device
}

// ParsePlacement parses the text form of a Placement.
func ParsePlacement(s string) (Placement, error) {
	rankPart, devicePart, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return Placement{}, configErrorf("placement %q must be in the form \"rank:<rank>/<device>\"", s)
	}
	rankStr, found := strings.CutPrefix(rankPart, "rank:")
	if !found {
		return Placement{}, configErrorf("placement %q must start with \"rank:\"", s)
	}
	rank, err := strconv.Atoi(rankStr)
	if err != nil || rank < 0 {
		return Placement{}, configErrorf("invalid rank in placement %q", s)
	}
	device, err := buffers.ParseDevice(devicePart)
	if err != nil {
		return Placement{}, errors.WithMessagef(ErrConfig, "invalid device in placement %q: %v", s, err)
	}
	return Placement{Rank: rank, Device: device}, nil
}

// MustParsePlacement is like ParsePlacement, but panics on error.
func MustParsePlacement(s string) Placement {
	return must.M1(ParsePlacement(s))
}

// ParsePlacements parses a list of placements.
func ParsePlacements(placements ...string) ([]Placement, error) {
	parsed := make([]Placement, len(placements))
	for ii, s := range placements {
		var err error
		parsed[ii], err = ParsePlacement(s)
		if err != nil {
			return nil, err
		}
	}
	return parsed, nil
}

// String implements fmt.Stringer, using the text form parsed by ParsePlacement.
func (p Placement) String() string {
	return "rank:" + strconv.Itoa(p.Rank) + "/" + p.Device.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p Placement) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Placement) UnmarshalText(text []byte) error {
	parsed, err := ParsePlacement(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// validateRank checks that the placement rank exists in a group of the given size.
func (p Placement) validateRank(groupSize int) error {
	if p.Rank >= groupSize {
		return configErrorf("placement %s refers to rank %d, but the group has only %d participants", p, p.Rank, groupSize)
	}
	return nil
}
