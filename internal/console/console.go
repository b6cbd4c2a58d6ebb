// Package console implements the streamctl command set: queries over
// Parquet archives and a checker for protocol lines.
package console

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/storage/query"
	"github.com/xtxerr/streamd/internal/storage/types"
)

// ErrExit is returned by Execute for exit and quit.
var ErrExit = errors.New("exit")

type command struct {
	name  string
	usage string
	help  string
	run   func(c *Console, ctx context.Context, args []string) error
}

// commands is filled in init; help lists it.
var commands []command

func init() {
	commands = []command{
		{"archives", "archives", "list archive files", (*Console).archives},
		{"retention", "retention [series]", "first and last time per series and tier", (*Console).retention},
		{"points", "points <series> <tierN|N> <after> <before> [limit]", "archived points of one series", (*Console).points},
		{"sql", "sql <query>", "run SQL; {archive} reads every archive", (*Console).sql},
		{"check", "check <protocol line>", "parse a protocol line and decode its numbers", (*Console).check},
		{"keywords", "keywords", "list protocol keywords", (*Console).keywords},
		{"help", "help", "show this help", (*Console).help},
		{"exit", "exit", "leave the console", nil},
	}
}

// Console executes commands against an archive query service.
type Console struct {
	svc *query.Service
	out io.Writer

	// series seen by the last retention, offered for completion
	series []string
}

// New creates a console writing to out. svc may be nil, in which case
// only the protocol commands work.
func New(svc *query.Service, out io.Writer) *Console {
	return &Console{svc: svc, out: out}
}

// Execute runs one command line.
func (c *Console) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "exit", "quit":
		return ErrExit
	case "sql", "check":
		// The rest of the line is one argument.
		for _, cmd := range commands {
			if cmd.name == name {
				return cmd.run(c, ctx, []string{rest})
			}
		}
	}
	for _, cmd := range commands {
		if cmd.name == name && cmd.run != nil {
			return cmd.run(c, ctx, strings.Fields(rest))
		}
	}
	return fmt.Errorf("unknown command %q, try help", name)
}

func (c *Console) requireArchive() error {
	if c.svc == nil {
		return errors.New("no archive directory configured")
	}
	return nil
}

// =============================================================================
// Archive commands
// =============================================================================

func (c *Console) archives(ctx context.Context, args []string) error {
	if err := c.requireArchive(); err != nil {
		return err
	}
	files, err := c.svc.Archives()
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintln(c.out, filepath.Base(f))
	}
	fmt.Fprintf(c.out, "%d archive(s)\n", len(files))
	return nil
}

func (c *Console) retention(ctx context.Context, args []string) error {
	if err := c.requireArchive(); err != nil {
		return err
	}
	series := ""
	if len(args) > 0 {
		series = args[0]
	}
	rows, err := c.svc.Retention(ctx, series)
	if err != nil {
		return err
	}

	table := c.table("series", "tier", "first", "last", "points", "gaps")
	seen := make(map[string]bool)
	for _, r := range rows {
		table.Append([]string{
			r.Series, r.Tier.String(), formatTime(r.First), formatTime(r.Last),
			strconv.FormatInt(r.Points, 10), strconv.FormatInt(r.Gaps, 10),
		})
		seen[r.Series] = true
	}
	table.Render()

	if series == "" {
		c.series = c.series[:0]
		for s := range seen {
			c.series = append(c.series, s)
		}
		sort.Strings(c.series)
	}
	return nil
}

func (c *Console) points(ctx context.Context, args []string) error {
	if err := c.requireArchive(); err != nil {
		return err
	}
	if len(args) < 4 {
		return errors.New("usage: points <series> <tierN|N> <after> <before> [limit]")
	}
	tier, err := types.ParseTier(args[1])
	if err != nil {
		return err
	}
	after, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("after: %w", err)
	}
	before, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("before: %w", err)
	}
	limit := 0
	if len(args) > 4 {
		if limit, err = strconv.Atoi(args[4]); err != nil {
			return fmt.Errorf("limit: %w", err)
		}
	}

	pts, err := c.svc.Points(ctx, query.PointQuery{
		Series: args[0],
		Tier:   tier,
		After:  after,
		Before: before,
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	table := c.table("start", "end", "average", "min", "max", "count", "flags")
	for i := range pts {
		p := &pts[i]
		avg := "-"
		if !p.IsGap() {
			avg = strconv.FormatFloat(p.Average(), 'g', -1, 64)
		}
		table.Append([]string{
			strconv.FormatInt(p.StartTime, 10), strconv.FormatInt(p.EndTime, 10), avg,
			strconv.FormatFloat(p.Min, 'g', -1, 64), strconv.FormatFloat(p.Max, 'g', -1, 64),
			strconv.FormatUint(uint64(p.Count), 10), string(protocol.AppendFlags(nil, p.Flags)),
		})
	}
	table.Render()
	return nil
}

func (c *Console) sql(ctx context.Context, args []string) error {
	if err := c.requireArchive(); err != nil {
		return err
	}
	if len(args) == 0 || args[0] == "" {
		return errors.New("usage: sql <query>")
	}
	rows, err := c.svc.ExecuteSQL(ctx, args[0])
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(c.out, "(no rows)")
		return nil
	}

	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	table := c.table(cols...)
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, col := range cols {
			vals[i] = fmt.Sprint(row[col])
		}
		table.Append(vals)
	}
	table.Render()
	return nil
}

// =============================================================================
// Protocol commands
// =============================================================================

func (c *Console) check(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "" {
		return errors.New("usage: check <protocol line>")
	}
	words := protocol.Split(args[0], nil)
	if len(words) == 0 {
		return errors.New("empty line")
	}
	k, ok := protocol.Lookup(words[0])
	if !ok {
		return errors.NewProtocol(words[0], errors.ErrUnknownKeyword, "")
	}

	fmt.Fprintf(c.out, "keyword  %s (%s)\n", k, allowedFrom(k))
	slot, rest, err := protocol.TakeSlot(words[1:])
	if err != nil {
		return err
	}
	if slot != protocol.NoSlot {
		fmt.Fprintf(c.out, "slot     %d\n", slot)
	}
	for i, w := range rest {
		fmt.Fprintf(c.out, "arg %-4d %q%s\n", i, w, decoded(w))
	}
	return nil
}

// allowedFrom names the connection kinds that may send k.
func allowedFrom(k protocol.Keyword) string {
	switch {
	case protocol.CollectorRepertoire.Has(k):
		return "collectors and children"
	case protocol.ReceiverRepertoire.Has(k):
		return "children"
	default:
		return "parents"
	}
}

// decoded shows the value of a number word in a non-decimal encoding.
func decoded(w string) string {
	if w == "" || w == "#" {
		return ""
	}
	body := strings.TrimPrefix(w, "-")
	if body == "" {
		return ""
	}
	switch {
	case body[0] == '#' || strings.HasPrefix(body, "0x"):
		if v, err := protocol.ParseInt64(w); err == nil {
			return fmt.Sprintf(" = %d", v)
		}
	case body[0] == '@' || body[0] == '%':
		if v, err := protocol.ParseFloat(w); err == nil {
			return " = " + strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	return ""
}

func (c *Console) keywords(ctx context.Context, args []string) error {
	table := c.table("keyword", "sent by")
	for _, k := range protocol.Keywords() {
		table.Append([]string{k.String(), allowedFrom(k)})
	}
	table.Render()
	return nil
}

func (c *Console) help(ctx context.Context, args []string) error {
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %-48s %s\n", cmd.usage, cmd.help)
	}
	return nil
}

// =============================================================================
// Completion
// =============================================================================

// Complete suggests commands, protocol keywords after check and series
// names after retention and points.
func (c *Console) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	fields := strings.Fields(before)

	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		s := make([]prompt.Suggest, 0, len(commands))
		for _, cmd := range commands {
			s = append(s, prompt.Suggest{Text: cmd.name, Description: cmd.help})
		}
		return prompt.FilterHasPrefix(s, word, true)
	}

	arg := len(fields) - 1
	if strings.HasSuffix(before, " ") {
		arg++
	}
	switch {
	case fields[0] == "check" && arg == 1:
		var s []prompt.Suggest
		for _, k := range protocol.Keywords() {
			s = append(s, prompt.Suggest{Text: k.String(), Description: allowedFrom(k)})
		}
		return prompt.FilterHasPrefix(s, word, false)
	case (fields[0] == "retention" || fields[0] == "points") && arg == 1:
		var s []prompt.Suggest
		for _, name := range c.series {
			s = append(s, prompt.Suggest{Text: name})
		}
		return prompt.FilterContains(s, word, true)
	}
	return nil
}

// =============================================================================
// Output helpers
// =============================================================================

func (c *Console) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(c.out)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetBorder(false)
	return t
}

func formatTime(ut int64) string {
	if ut == 0 {
		return "-"
	}
	return time.Unix(ut, 0).UTC().Format(time.RFC3339)
}
