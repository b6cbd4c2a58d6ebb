package stream

import (
	"strconv"
	"strings"

	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
)

// AppendChartLine writes the CHART line defining ch. The chart handle is
// used as its slot.
func AppendChartLine(b *protocol.Buffer, ch *registry.Chart) {
	def := ch.Def()
	b.Keyword(protocol.KeywordChart).Slot(int(ch.Handle())).
		Quoted(def.ID).Quoted(def.Name).Quoted(def.Title).Quoted(def.Units).
		Quoted(def.Family).Quoted(def.Context).Quoted(string(def.ChartType)).
		Quoted(strconv.Itoa(def.Priority)).Quoted(strconv.FormatInt(ch.UpdateEvery(), 10)).
		Quoted(def.Options.String()).Quoted(def.Plugin).Quoted(def.Module).
		End()
}

// AppendDimensionLine writes the DIMENSION line defining dim.
func AppendDimensionLine(b *protocol.Buffer, dim *registry.Dimension) {
	def := dim.Def()
	var options []string
	if def.Options.Has(registry.DimObsolete) || dim.Obsolete() {
		options = append(options, "obsolete")
	}
	if def.Options.Has(registry.DimHidden) {
		options = append(options, "hidden")
	}
	if def.Options.Has(registry.DimNoReset) {
		options = append(options, "noreset")
	}
	b.Keyword(protocol.KeywordDimension).Slot(int(dim.Handle())).
		Quoted(def.ID).Quoted(def.Name).Quoted(def.Algorithm.String()).
		Quoted(strconv.FormatInt(def.Multiplier, 10)).Quoted(strconv.FormatInt(def.Divisor, 10)).
		Quoted(strings.Join(options, " ")).
		End()
}

// AppendDefinitionEnd writes CHART_DEFINITION_END with the local
// retention of ch, which lets the upstream decide what to replicate.
func AppendDefinitionEnd(b *protocol.Buffer, ch *registry.Chart, now int64) {
	first, last := ch.Retention()
	b.Keyword(protocol.KeywordChartDefinitionEnd).Int(first).Int(last).Int(now).End()
}

// AppendDefinition writes everything an upstream needs to know about ch.
func AppendDefinition(b *protocol.Buffer, ch *registry.Chart, now int64) {
	AppendChartLine(b, ch)
	for _, dim := range ch.Dimensions() {
		AppendDimensionLine(b, dim)
	}
	AppendDefinitionEnd(b, ch, now)
}
