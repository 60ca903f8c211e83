package blob

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDFactory builds blob IDs.
type IDFactory interface {
	// Random returns a fresh unique ID.
	Random() ID
	// Of wraps a value computed by the caller, such as a content hash.
	Of(s string) ID
	// Parse interprets an ID read back from a backend.
	Parse(s string) (ID, error)
}

// PlainIDFactory issues UUID based IDs and accepts any non-empty string.
type PlainIDFactory struct{}

func (PlainIDFactory) Random() ID { return ID(uuid.NewString()) }

func (PlainIDFactory) Of(s string) ID { return ID(s) }

func (PlainIDFactory) Parse(s string) (ID, error) {
	id := ID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// DefaultGenerationDuration is the width of one generation.
const DefaultGenerationDuration = 30 * 24 * time.Hour

// DefaultFamily is the family assigned to newly created IDs.
const DefaultFamily = 1

// GenerationAwareID tags a delegate ID with the generation it was written in.
// Family 0 marks IDs that predate generations; they never expire.
type GenerationAwareID struct {
	Generation int64
	Family     int
	Delegate   ID
}

// ID returns the wire form gen_family_delegate, or the bare delegate when
// the ID carries no generation.
func (g GenerationAwareID) ID() ID {
	if g.Family == 0 {
		return g.Delegate
	}
	return ID(g.String())
}

func (g GenerationAwareID) String() string {
	if g.Family == 0 {
		return string(g.Delegate)
	}
	return fmt.Sprintf("%d_%d_%s", g.Generation, g.Family, g.Delegate)
}

// HasGeneration reports whether the ID is subject to expiry.
func (g GenerationAwareID) HasGeneration() bool {
	return g.Family > 0
}

// GenerationAwareIDFactory issues IDs prefixed with a time based generation
// so the garbage collector only considers blobs old enough to be safe.
type GenerationAwareIDFactory struct {
	Clock              Clock
	GenerationDuration time.Duration
	Family             int
	Delegate           IDFactory
}

// NewGenerationAwareIDFactory returns a factory with the default generation
// width and family over PlainIDFactory.
func NewGenerationAwareIDFactory(clock Clock) *GenerationAwareIDFactory {
	return &GenerationAwareIDFactory{
		Clock:              clock,
		GenerationDuration: DefaultGenerationDuration,
		Family:             DefaultFamily,
		Delegate:           PlainIDFactory{},
	}
}

func (f *GenerationAwareIDFactory) now() time.Time {
	if f.Clock == nil {
		return time.Now()
	}
	return f.Clock()
}

func (f *GenerationAwareIDFactory) width() time.Duration {
	if f.GenerationDuration <= 0 {
		return DefaultGenerationDuration
	}
	return f.GenerationDuration
}

func (f *GenerationAwareIDFactory) family() int {
	if f.Family <= 0 {
		return DefaultFamily
	}
	return f.Family
}

func (f *GenerationAwareIDFactory) delegate() IDFactory {
	if f.Delegate == nil {
		return PlainIDFactory{}
	}
	return f.Delegate
}

// CurrentGeneration returns the generation t falls in.
func (f *GenerationAwareIDFactory) CurrentGeneration(t time.Time) int64 {
	return t.UnixMilli() / f.width().Milliseconds()
}

func (f *GenerationAwareIDFactory) wrap(delegate ID) ID {
	return GenerationAwareID{
		Generation: f.CurrentGeneration(f.now()),
		Family:     f.family(),
		Delegate:   delegate,
	}.ID()
}

func (f *GenerationAwareIDFactory) Random() ID {
	return f.wrap(f.delegate().Random())
}

func (f *GenerationAwareIDFactory) Of(s string) ID {
	return f.wrap(f.delegate().Of(s))
}

func (f *GenerationAwareIDFactory) Parse(s string) (ID, error) {
	g, err := f.ParseGenerationAware(s)
	if err != nil {
		return "", err
	}
	return g.ID(), nil
}

// ParseGenerationAware decodes s. Strings that do not follow the
// gen_family_delegate layout come back with generation and family 0.
func (f *GenerationAwareIDFactory) ParseGenerationAware(s string) (GenerationAwareID, error) {
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		gen, genErr := strconv.ParseInt(parts[0], 10, 64)
		fam, famErr := strconv.Atoi(parts[1])
		if genErr == nil && famErr == nil && fam > 0 && gen >= 0 {
			delegate, err := f.delegate().Parse(parts[2])
			if err != nil {
				return GenerationAwareID{}, err
			}
			return GenerationAwareID{Generation: gen, Family: fam, Delegate: delegate}, nil
		}
	}
	delegate, err := f.delegate().Parse(s)
	if err != nil {
		return GenerationAwareID{}, err
	}
	return GenerationAwareID{Delegate: delegate}, nil
}

// IsExpired reports whether id is at least two generations old at now.
func (f *GenerationAwareIDFactory) IsExpired(id GenerationAwareID, now time.Time) bool {
	return id.Family > 0 && id.Generation+1 < f.CurrentGeneration(now)
}
