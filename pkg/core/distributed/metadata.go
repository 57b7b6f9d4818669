package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// canonicalJSON produces the same bytes for equal metadata on every participant.
var canonicalJSON = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Metadata is the global view of a ShardedTensor, agreed by all participants: the overall shape, the
// shards and the properties shared by all of them.
type Metadata struct {
	Shape      []int            `json:"shape"`
	Shards     []ShardMetadata  `json:"shards"`
	Properties TensorProperties `json:"properties"`
}

// Validate checks the shape and shards are well-formed, and that the shards exactly tile the shape
// without overlapping.
func (md *Metadata) Validate() error {
	if md == nil || len(md.Shards) == 0 {
		return configErrorf("metadata must have at least one shard")
	}
	for axis, dim := range md.Shape {
		if dim <= 0 {
			return configErrorf("tensor shape %v has non-positive dimension on axis %d", md.Shape, axis)
		}
	}
	if err := md.Properties.Validate(); err != nil {
		return err
	}
	for _, shard := range md.Shards {
		if err := shard.Validate(); err != nil {
			return err
		}
	}
	if err := ValidateNonOverlapping(md.Shards); err != nil {
		return err
	}
	return ValidateTiling(md.Shards, md.Shape)
}

// Clone returns a deep copy.
func (md *Metadata) Clone() *Metadata {
	shards := make([]ShardMetadata, len(md.Shards))
	for ii, shard := range md.Shards {
		shards[ii] = shard.Clone()
	}
	return &Metadata{Shape: slices.Clone(md.Shape), Shards: shards, Properties: md.Properties}
}

// ShardsOf returns the indices (in md.Shards) of the shards placed on the given rank.
func (md *Metadata) ShardsOf(rank int) []int {
	var indices []int
	for ii, shard := range md.Shards {
		if shard.Placement.Rank == rank {
			indices = append(indices, ii)
		}
	}
	return indices
}

// JSON returns the canonical JSON encoding of the metadata.
func (md *Metadata) JSON() ([]byte, error) {
	data, err := canonicalJSON.Marshal(md)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode sharded tensor metadata")
	}
	return data, nil
}

// MetadataFromJSON decodes metadata encoded with Metadata.JSON, and validates it.
func MetadataFromJSON(data []byte) (*Metadata, error) {
	md := &Metadata{}
	if err := canonicalJSON.Unmarshal(data, md); err != nil {
		return nil, errors.WithMessagef(ErrConfig, "failed to decode sharded tensor metadata: %v", err)
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

// Fingerprint is a hash of the canonical JSON encoding: participants with equal metadata have equal fingerprints.
func (md *Metadata) Fingerprint() uint64 {
	data, err := md.JSON()
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

// Equal returns whether both metadata are byte-identical in their canonical encoding.
func (md *Metadata) Equal(other *Metadata) bool {
	if md == nil || other == nil {
		return md == other
	}
	a, errA := md.JSON()
	b, errB := other.JSON()
	return errA == nil && errB == nil && string(a) == string(b)
}

// String implements fmt.Stringer.
func (md *Metadata) String() string {
	if md == nil {
		return "Metadata<nil>"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Metadata(shape=%v, properties=%s, shards=[", md.Shape, md.Properties)
	for ii, shard := range md.Shards {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(shard.String())
	}
	sb.WriteString("])")
	return sb.String()
}
