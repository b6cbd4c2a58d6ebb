// Package protocol holds the tokens of the streaming line protocol: the
// keyword table, the quote-aware splitter, the numeric encodings, storage
// flags, capability negotiation and a line builder.
//
// Everything in this package is free of connection state. The dispatcher
// in internal/parser drives it.
package protocol

// Keyword is a protocol command. The set is closed: every value below has
// a handler in the dispatcher.
type Keyword uint8

const (
	KeywordUnknown Keyword = iota

	// Host scope and virtual host definition
	KeywordHost
	KeywordHostDefine
	KeywordHostLabel
	KeywordHostDefineEnd

	// Chart definition
	KeywordChart
	KeywordDimension
	KeywordChartDefinitionEnd

	// v1 collection
	KeywordBegin
	KeywordSet
	KeywordEnd

	// v2 collection
	KeywordBegin2
	KeywordSet2
	KeywordEnd2

	// Replication. KeywordReplayChart travels from parent to child.
	KeywordReplayChart
	KeywordReplayBegin
	KeywordReplaySet
	KeywordReplayDimState
	KeywordReplayChartState
	KeywordReplayEnd

	// Labels and variables
	KeywordLabel
	KeywordOverwrite
	KeywordChartLabel
	KeywordChartLabelCommit
	KeywordVariable

	// Connection control
	KeywordFlush
	KeywordDisable
	KeywordExit
	KeywordClaimedID

	// Deferred payloads
	KeywordJSON
	KeywordJSONPayloadEnd

	keywordCount
)

var keywordNames = [keywordCount]string{
	KeywordUnknown:            "",
	KeywordHost:               "HOST",
	KeywordHostDefine:         "HOST_DEFINE",
	KeywordHostLabel:          "HOST_LABEL",
	KeywordHostDefineEnd:      "HOST_DEFINE_END",
	KeywordChart:              "CHART",
	KeywordDimension:          "DIMENSION",
	KeywordChartDefinitionEnd: "CHART_DEFINITION_END",
	KeywordBegin:              "BEGIN",
	KeywordSet:                "SET",
	KeywordEnd:                "END",
	KeywordBegin2:             "BEGIN2",
	KeywordSet2:               "SET2",
	KeywordEnd2:               "END2",
	KeywordReplayChart:        "REPLAY_CHART",
	KeywordReplayBegin:        "RBEGIN",
	KeywordReplaySet:          "RSET",
	KeywordReplayDimState:     "RDSTATE",
	KeywordReplayChartState:   "RSSTATE",
	KeywordReplayEnd:          "REND",
	KeywordLabel:              "LABEL",
	KeywordOverwrite:          "OVERWRITE",
	KeywordChartLabel:         "CLABEL",
	KeywordChartLabelCommit:   "CLABEL_COMMIT",
	KeywordVariable:           "VARIABLE",
	KeywordFlush:              "FLUSH",
	KeywordDisable:            "DISABLE",
	KeywordExit:               "EXIT",
	KeywordClaimedID:          "CLAIMED_ID",
	KeywordJSON:               "JSON",
	KeywordJSONPayloadEnd:     "JSON_PAYLOAD_END",
}

// keywords is built once at init and never written afterwards.
var keywords = func() map[string]Keyword {
	m := make(map[string]Keyword, keywordCount)
	for k := KeywordUnknown + 1; k < keywordCount; k++ {
		m[keywordNames[k]] = k
	}
	return m
}()

// Lookup resolves a keyword token.
func Lookup(s string) (Keyword, bool) {
	k, ok := keywords[s]
	return k, ok
}

// String returns the wire spelling of the keyword.
func (k Keyword) String() string {
	if k == KeywordUnknown || k >= keywordCount {
		return "UNKNOWN"
	}
	return keywordNames[k]
}

// Keywords returns every known keyword in declaration order.
func Keywords() []Keyword {
	out := make([]Keyword, 0, keywordCount-1)
	for k := KeywordUnknown + 1; k < keywordCount; k++ {
		out = append(out, k)
	}
	return out
}

// =============================================================================
// Repertoires
// =============================================================================

// Repertoire is the set of keywords a connection kind may send.
type Repertoire uint64

// NewRepertoire returns a repertoire holding ks.
func NewRepertoire(ks ...Keyword) Repertoire {
	var r Repertoire
	for _, k := range ks {
		r |= 1 << k
	}
	return r
}

// Has reports whether k is part of r.
func (r Repertoire) Has(k Keyword) bool {
	return k < keywordCount && r&(1<<k) != 0
}

// With returns r plus ks.
func (r Repertoire) With(ks ...Keyword) Repertoire {
	return r | NewRepertoire(ks...)
}

var (
	// CollectorRepertoire is what a local data collector may send.
	CollectorRepertoire = NewRepertoire(
		KeywordHost, KeywordHostDefine, KeywordHostLabel, KeywordHostDefineEnd,
		KeywordChart, KeywordDimension,
		KeywordBegin, KeywordSet, KeywordEnd,
		KeywordBegin2, KeywordSet2, KeywordEnd2,
		KeywordLabel, KeywordOverwrite, KeywordChartLabel, KeywordChartLabelCommit,
		KeywordVariable, KeywordFlush, KeywordDisable, KeywordExit,
	)

	// ReceiverRepertoire is what a child agent may send to its parent.
	ReceiverRepertoire = CollectorRepertoire.With(
		KeywordChartDefinitionEnd,
		KeywordReplayBegin, KeywordReplaySet, KeywordReplayDimState,
		KeywordReplayChartState, KeywordReplayEnd,
		KeywordClaimedID,
		KeywordJSON, KeywordJSONPayloadEnd,
	)
)
