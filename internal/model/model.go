package model

import (
	"fmt"
	"sort"
)

// Round is one of the two polling stages of an election.
type Round int

const (
	FirstRound  Round = 1
	SecondRound Round = 2
)

// Valid reports whether r is a round the harvester knows about.
func (r Round) Valid() bool {
	return r == FirstRound || r == SecondRound
}

// Machine model labels found in the urna logs.
const (
	ModernModel  = "UE2020"
	UnknownModel = "unknown"
)

// LegacyModels are the labels of machines older than the modern model.
var LegacyModels = []string{"UE2009", "UE2010", "UE2011", "UE2013", "UE2015"}

// WorkItem is one (round, region) entry of the harvest worklist.
type WorkItem struct {
	Round  Round  `json:"round"`
	Region string `json:"region"`
}

// Key identifies the work item in logs and in the event log, e.g. "2t_SP".
func (w WorkItem) Key() string {
	return fmt.Sprintf("%dt_%s", w.Round, w.Region)
}

func (w WorkItem) String() string { return w.Key() }

// ChunkSpec is one byte range of a chunked download. End is inclusive, as in
// an HTTP Range header.
type ChunkSpec struct {
	Index int
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the chunk.
func (c ChunkSpec) Len() int64 { return c.End - c.Start + 1 }

// RangeHeader formats the chunk as an HTTP Range header value.
func (c ChunkSpec) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", c.Start, c.End)
}

// ArchiveMember is an inner archive extracted from the outer container.
// It only lives while Path exists on disk.
type ArchiveMember struct {
	Name string
	Path string
}

// SectionRecord is the persisted unit of the aggregation store.
type SectionRecord struct {
	SectionID        string           `json:"section_id"`
	Region           string           `json:"region"`
	MunicipalityCode int              `json:"municipality_code"`
	ZoneNumber       int              `json:"zone_number"`
	SectionNumber    int              `json:"section_number"`
	Models           map[Round]string `json:"models"`
}

// Model returns the model recorded for round r. The second result is false
// when the round is missing or only the unknown marker was recorded.
func (s *SectionRecord) Model(r Round) (string, bool) {
	m, ok := s.Models[r]
	if !ok || m == UnknownModel || m == "" {
		return m, false
	}
	return m, true
}

// ConsolidatedModel prefers the second round model, falling back to the first.
func (s *SectionRecord) ConsolidatedModel() string {
	if m, ok := s.Model(SecondRound); ok {
		return m
	}
	if m, ok := s.Model(FirstRound); ok {
		return m
	}
	return UnknownModel
}

// IsModernMachine is derived from Models on every call and never stored.
func (s *SectionRecord) IsModernMachine() bool {
	return s.ConsolidatedModel() == ModernModel
}

// Row projects the record into the tabular view read by reporting tools.
func (s *SectionRecord) Row() Row {
	return Row{
		SectionID:        s.SectionID,
		Region:           s.Region,
		MunicipalityCode: s.MunicipalityCode,
		ZoneNumber:       s.ZoneNumber,
		SectionNumber:    s.SectionNumber,
		ModelRound1:      s.Models[FirstRound],
		ModelRound2:      s.Models[SecondRound],
		Model:            s.ConsolidatedModel(),
		ModernMachine:    s.IsModernMachine(),
	}
}

// Row is the read-only projection of a SectionRecord.
type Row struct {
	SectionID        string
	Region           string
	MunicipalityCode int
	ZoneNumber       int
	SectionNumber    int
	ModelRound1      string
	ModelRound2      string
	Model            string
	ModernMachine    bool
}

// Fragment is what the extractor produces for one archive member: the
// location fields and the model seen in a single round.
type Fragment struct {
	SectionID        string
	Region           string
	MunicipalityCode int
	ZoneNumber       int
	SectionNumber    int
	Round            Round
	Model            string
}

// SortRows orders rows by region, then municipality, zone and section.
func SortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		if a.MunicipalityCode != b.MunicipalityCode {
			return a.MunicipalityCode < b.MunicipalityCode
		}
		if a.ZoneNumber != b.ZoneNumber {
			return a.ZoneNumber < b.ZoneNumber
		}
		return a.SectionNumber < b.SectionNumber
	})
}
