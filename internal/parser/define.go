package parser

import (
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/stream"
)

// =============================================================================
// Hosts
// =============================================================================

// host switches the host scope. An empty guid or "localhost" selects the
// daemon's own host.
func (d *Dispatcher) host(args []string) error {
	guid := arg(args, 0)
	if guid == "" || guid == "localhost" {
		d.setHost(d.reg.Localhost())
		return nil
	}
	if _, err := uuid.Parse(guid); err != nil {
		return errors.NewProtocol("HOST", errors.ErrInvalidHostGUID, guid)
	}
	h, err := d.reg.Host(guid)
	if err != nil {
		return err
	}
	d.setHost(h)
	return nil
}

func (d *Dispatcher) setHost(h *registry.Host) {
	if d.cycle.kind != cycleNone {
		d.closeCycle()
	}
	if h != d.scope.Host {
		d.flushRelay()
		d.relay = d.relayFor(h)
		d.out = nil
	}
	d.scope.Host = h
	d.scope.Chart = 0
}

func (d *Dispatcher) hostDefine(args []string) error {
	if len(args) < 2 {
		return errors.NewProtocol("HOST_DEFINE", errors.ErrMissingParam, "want guid and hostname")
	}
	if _, err := uuid.Parse(args[0]); err != nil {
		return errors.NewProtocol("HOST_DEFINE", errors.ErrInvalidHostGUID, args[0])
	}
	d.hostDef = &registry.HostDef{
		GUID:     args[0],
		Hostname: args[1],
		Labels:   make(map[string]string),
	}
	return nil
}

func (d *Dispatcher) hostLabel(args []string) error {
	if d.hostDef == nil {
		return errors.NewProtocol("HOST_LABEL", errors.ErrProtocol, "no HOST_DEFINE open")
	}
	if len(args) < 1 || args[0] == "" {
		return errors.NewProtocol("HOST_LABEL", errors.ErrMissingParam, "label name")
	}
	d.hostDef.Labels[args[0]] = arg(args, 1)
	return nil
}

func (d *Dispatcher) hostDefineEnd() error {
	if d.hostDef == nil {
		return errors.NewProtocol("HOST_DEFINE_END", errors.ErrProtocol, "no HOST_DEFINE open")
	}
	def := *d.hostDef
	d.hostDef = nil

	h, err := d.reg.DefineHost(def)
	if err != nil {
		return errors.NewProtocol("HOST_DEFINE_END", errors.ErrInvalidHostGUID, err.Error())
	}
	d.setHost(h)
	return nil
}

// =============================================================================
// Charts and dimensions
// =============================================================================

// chart handles
//
//	CHART [SLOT] type.id name title units family context charttype priority update_every options plugin module
func (d *Dispatcher) chart(args []string) error {
	slot, args, err := protocol.TakeSlot(args)
	if err != nil {
		return errors.NewProtocol("CHART", err, "")
	}
	host := d.scope.Host
	if host == nil {
		return errors.NewProtocol("CHART", errors.ErrNoHostScope, "")
	}
	id := arg(args, 0)
	if id == "" {
		return errors.NewProtocol("CHART", errors.ErrMissingParam, "chart id")
	}

	def := registry.ChartDef{
		ID:          id,
		Name:        chartName(id, arg(args, 1)),
		Title:       arg(args, 2),
		Units:       arg(args, 3),
		Family:      arg(args, 4),
		Context:     arg(args, 5),
		ChartType:   registry.ParseChartType(arg(args, 6)),
		Priority:    int(intOr(arg(args, 7), 1000)),
		UpdateEvery: intOr(arg(args, 8), 0),
		Options:     registry.ParseChartOptions(arg(args, 9)),
		Plugin:      arg(args, 10),
		Module:      arg(args, 11),
	}
	if def.Units == "" {
		def.Units = "unknown"
	}
	if def.Priority <= 0 {
		def.Priority = 1000
	}

	ch, created := host.CreateChart(def)
	d.chartSlotTable(host).Put(slot, ch.Handle())
	// a (re)definition starts the dimension slots over
	d.dimSlotTable(ch.Handle()).Reset()
	d.scope.Chart = ch.Handle()
	if created {
		d.log.Debug("chart created", "host", host.Hostname(), "chart", id)
	}

	if b := d.upstream(); b != nil {
		stream.AppendChartLine(b, ch)
		d.flushDefinition()
	}
	return nil
}

// chartName strips the type prefix from a chart name. "NULL" and a name
// equal to the id mean no name.
func chartName(id, name string) string {
	if name == "" || name == "NULL" || name == id {
		return ""
	}
	if i := strings.IndexByte(id, '.'); i > 0 {
		name = strings.TrimPrefix(name, id[:i+1])
	}
	return name
}

// dimension handles
//
//	DIMENSION [SLOT] id name algorithm multiplier divisor options
func (d *Dispatcher) dimension(args []string) error {
	slot, args, err := protocol.TakeSlot(args)
	if err != nil {
		return errors.NewProtocol("DIMENSION", err, "")
	}
	ch, err := d.scopeChart("DIMENSION", false)
	if err != nil {
		return err
	}
	id := arg(args, 0)
	if id == "" {
		return errors.NewProtocol("DIMENSION", errors.ErrMissingParam, "dimension id")
	}

	dim, _ := ch.AddDimension(registry.DimensionDef{
		ID:         id,
		Name:       arg(args, 1),
		Algorithm:  registry.ParseAlgorithm(arg(args, 2)),
		Multiplier: intOr(arg(args, 3), 1),
		Divisor:    intOr(arg(args, 4), 1),
		Options:    registry.ParseDimOptions(arg(args, 5)),
	})
	d.dimSlotTable(ch.Handle()).Put(slot, dim.Handle())

	if b := d.upstream(); b != nil {
		stream.AppendDimensionLine(b, dim)
		d.flushDefinition()
	}
	return nil
}

// chartDefinitionEnd handles
//
//	CHART_DEFINITION_END first_entry last_entry wall_clock
//
// and starts replication for the chart in scope.
func (d *Dispatcher) chartDefinitionEnd(args []string) error {
	ch, err := d.scopeChart("CHART_DEFINITION_END", false)
	if err != nil {
		return err
	}
	nums, err := parseInts("CHART_DEFINITION_END", args, 3)
	if err != nil {
		return err
	}

	if b := d.upstream(); b != nil {
		stream.AppendDefinitionEnd(b, ch, d.cfg.Now().Unix())
		d.flushDefinition()
	}

	if d.cfg.Replication == nil {
		return nil
	}
	return d.cfg.Replication.DefinitionEnd(ch, nums[0], nums[1], nums[2])
}

// =============================================================================
// Labels and variables
// =============================================================================

// label stages a host label:
//
//	LABEL name source value...
func (d *Dispatcher) label(args []string) error {
	if d.scope.Host == nil {
		return errors.NewProtocol("LABEL", errors.ErrNoHostScope, "")
	}
	if len(args) < 3 {
		return errors.NewProtocol("LABEL", errors.ErrMissingParam, "want name, source and value")
	}
	value := strings.Join(args[2:], " ")
	d.scope.Host.Labels().Add(args[0], value, labelSource(args[1]))
	d.relayWords(protocol.KeywordLabel, protocol.NoSlot, args[0], args[1], value)
	return nil
}

func (d *Dispatcher) overwrite() error {
	if d.scope.Host == nil {
		return errors.NewProtocol("OVERWRITE", errors.ErrNoHostScope, "")
	}
	d.scope.Host.Labels().Commit()
	d.relayWords(protocol.KeywordOverwrite, protocol.NoSlot, "labels")
	return nil
}

// chartLabel stages a chart label:
//
//	CLABEL name value source
func (d *Dispatcher) chartLabel(args []string) error {
	ch, err := d.scopeChart("CLABEL", false)
	if err != nil {
		return err
	}
	if len(args) < 3 {
		return errors.NewProtocol("CLABEL", errors.ErrMissingParam, "want name, value and source")
	}
	ch.Labels().Add(args[0], args[1], labelSource(args[2]))
	d.relayWords(protocol.KeywordChartLabel, protocol.NoSlot, args[0], args[1], args[2])
	return nil
}

func (d *Dispatcher) chartLabelCommit() error {
	ch, err := d.scopeChart("CLABEL_COMMIT", false)
	if err != nil {
		return err
	}
	ch.Labels().Commit()
	d.relayWords(protocol.KeywordChartLabelCommit, protocol.NoSlot)
	return nil
}

func labelSource(s string) registry.LabelSource {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return registry.LabelSourceStream
	}
	return registry.LabelSource(n) | registry.LabelSourceStream
}

// variable sets a host or chart variable:
//
//	VARIABLE [GLOBAL|HOST|LOCAL|CHART] name [=] value
//
// Without a scope word the variable belongs to the chart in scope, or to
// the host when no chart is in scope.
func (d *Dispatcher) variable(args []string) error {
	global := d.scope.Chart == 0
	if len(args) > 0 {
		switch args[0] {
		case "GLOBAL", "HOST":
			global = true
			args = args[1:]
		case "LOCAL", "CHART":
			global = false
			args = args[1:]
		}
	}
	name := arg(args, 0)
	if name == "" {
		return errors.NewProtocol("VARIABLE", errors.ErrMissingParam, "variable name")
	}
	raw := arg(args, 1)
	if raw == "=" {
		raw = arg(args, 2)
	}
	if raw == "" {
		d.anomalies.Warn("variable without value ignored", "name", name)
		return nil
	}
	v, err := protocol.ParseFloat(raw)
	if err != nil || math.IsNaN(v) {
		d.anomalies.Warn("variable value ignored", "name", name, "value", raw)
		return nil
	}

	scopeWord := "GLOBAL"
	if global {
		if d.scope.Host == nil {
			return errors.NewProtocol("VARIABLE", errors.ErrNoHostScope, "")
		}
		d.scope.Host.SetVariable(name, v)
	} else {
		ch, err := d.scopeChart("VARIABLE", false)
		if err != nil {
			return err
		}
		ch.SetVariable(name, v)
		scopeWord = "LOCAL"
	}

	if b := d.upstream(); b != nil {
		b.Keyword(protocol.KeywordVariable).Word(scopeWord).Quoted(name).Word("=").Float(v).End()
		if d.cycle.kind == cycleNone {
			d.flushRelay()
		}
	}
	return nil
}

// =============================================================================
// Connection control
// =============================================================================

// flush forgets the chart in scope and any open cycle.
func (d *Dispatcher) flush() error {
	d.closeCycle()
	d.out = nil
	d.scope.Chart = 0
	return nil
}

// claimedID handles
//
//	CLAIMED_ID machine_guid claim_id
//
// A claim id of NULL unclaims the host.
func (d *Dispatcher) claimedID(args []string) error {
	if len(args) < 2 {
		return errors.NewProtocol("CLAIMED_ID", errors.ErrMissingParam, "want machine guid and claim id")
	}
	if _, err := uuid.Parse(args[0]); err != nil {
		return errors.NewProtocol("CLAIMED_ID", errors.ErrInvalidHostGUID, args[0])
	}
	host := d.scope.Host
	if host == nil {
		return errors.NewProtocol("CLAIMED_ID", errors.ErrNoHostScope, "")
	}
	if !strings.EqualFold(host.GUID(), args[0]) {
		return errors.NewProtocol("CLAIMED_ID", errors.ErrProtocol, "machine guid does not match the host in scope")
	}

	claim := args[1]
	if claim == "NULL" {
		host.SetClaimID("")
		return nil
	}
	if _, err := uuid.Parse(claim); err != nil {
		return errors.NewProtocol("CLAIMED_ID", errors.ErrProtocol, "invalid claim id "+claim)
	}
	host.SetClaimID(claim)
	return nil
}

// =============================================================================
// Argument helpers
// =============================================================================

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// intOr parses s as an integer in any protocol encoding, returning def
// when s is empty, malformed or zero.
func intOr(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := protocol.ParseInt64(s)
	if err != nil || v == 0 {
		return def
	}
	return v
}

// parseInts parses the first n arguments as integers.
func parseInts(keyword string, args []string, n int) ([]int64, error) {
	if len(args) < n {
		return nil, errors.NewProtocol(keyword, errors.ErrMissingParam,
			"want "+strconv.Itoa(n)+" numbers")
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		v, err := protocol.ParseInt64(args[i])
		if err != nil {
			return nil, errors.NewProtocol(keyword, errors.ErrInvalidNumber, args[i])
		}
		out[i] = v
	}
	return out, nil
}
