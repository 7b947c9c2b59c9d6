package extractor

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/brensch/urnalog/internal/model"
)

var (
	// ErrUnrecognizedMemberName means the member name does not carry a
	// municipality/zone/section triple.
	ErrUnrecognizedMemberName = errors.New("unrecognized member name")
	// ErrModelNotFound means the log text has no machine model line. The
	// fragment is still returned, with model.UnknownModel.
	ErrModelNotFound = errors.New("machine model not found")
)

var modelPattern = regexp.MustCompile(`Modelo de Urna: (\w+)`)

// Class buckets a machine model label.
type Class int

const (
	Anomaly Class = iota
	Legacy
	Modern
)

func (c Class) String() string {
	switch c {
	case Modern:
		return "modern"
	case Legacy:
		return "legacy"
	default:
		return "anomaly"
	}
}

// Classify reports whether label is the modern model, a known legacy model,
// or something else.
func Classify(label string) Class {
	if label == model.ModernModel {
		return Modern
	}
	for _, m := range model.LegacyModels {
		if label == m {
			return Legacy
		}
	}
	return Anomaly
}

// Extractor turns a member name and its decoded log text into a Fragment.
type Extractor struct {
	namePattern *regexp.Regexp
}

// New builds an Extractor for members whose names end in suffix, e.g.
// "logjez".
func New(suffix string) *Extractor {
	// five digits of municipality, four of zone, four of section, right before
	// the suffix
	p := regexp.MustCompile(`(\d{5})(\d{4})(\d{4})\.?` + regexp.QuoteMeta(suffix) + `$`)
	return &Extractor{namePattern: p}
}

// ParseMemberName returns the municipality, zone and section numbers encoded
// in a member name.
func (e *Extractor) ParseMemberName(name string) (municipality, zone, section int, err error) {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	m := e.namePattern.FindStringSubmatch(base)
	if m == nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrUnrecognizedMemberName, name)
	}
	// the groups are all digits, so Atoi cannot fail
	municipality, _ = strconv.Atoi(m[1])
	zone, _ = strconv.Atoi(m[2])
	section, _ = strconv.Atoi(m[3])
	return municipality, zone, section, nil
}

// Extract builds the observation for one member seen in round r of region.
func (e *Extractor) Extract(name, text string, r model.Round, region string) (model.Fragment, error) {
	municipality, zone, section, err := e.ParseMemberName(name)
	if err != nil {
		return model.Fragment{}, err
	}
	f := model.Fragment{
		SectionID:        SectionID(region, municipality, zone, section),
		Region:           region,
		MunicipalityCode: municipality,
		ZoneNumber:       zone,
		SectionNumber:    section,
		Round:            r,
		Model:            model.UnknownModel,
	}
	m := modelPattern.FindStringSubmatch(text)
	if m == nil {
		return f, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	f.Model = m[1]
	return f, nil
}

// SectionID formats the section key with the numbers stripped of leading
// zeros, e.g. "SP_71072_1_25".
func SectionID(region string, municipality, zone, section int) string {
	return fmt.Sprintf("%s_%d_%d_%d", region, municipality, zone, section)
}
