// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements an interactive prompt for exercising a node.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/intel/telepaging/pkg/metrics"
	"github.com/intel/telepaging/pkg/telepage"
)

type Prompt struct {
	r   *bufio.Reader
	w   *bufio.Writer
	f   *flag.FlagSet
	d   *daemon
	ps1 string
}

type promptAction int

const (
	paCommandOk promptAction = iota
	paQuit
)

var promptHelp = `commands:
  map      -pid PID -start ADDR -size SIZE [-tier TIER] [-type TYPE]
  unmap    -pid PID -start ADDR -size SIZE
  state    -pid PID -start ADDR -size SIZE
  read     -pid PID -addr ADDR
  write    -pid PID -addr ADDR [-fill BYTE]
  fault    -pid PID -addr ADDR [-write]
  access   -pid PID -addr ADDR [-count N]
  migrate  -pid PID -addr ADDR -to TIER
  prefetch -pid PID -addr ADDR [-size SIZE]
  dump     -pid PID
  stats, metrics, nodes, config, help, quit
addresses are hexadecimal, sizes accept k, M and G suffixes
`

func NewPrompt(ps1 string, d *daemon, reader *bufio.Reader, writer *bufio.Writer) *Prompt {
	return &Prompt{
		r:   reader,
		w:   writer,
		d:   d,
		ps1: ps1,
	}
}

func (p *Prompt) output(format string, a ...interface{}) {
	if p.w == nil {
		return
	}
	p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

func (p *Prompt) interact() {
	pa := paCommandOk
	for pa != paQuit {
		p.output(p.ps1)
		cmd, err := p.r.ReadString(byte('\n'))
		if err != nil {
			p.output("quitting prompt: %s\n", err)
			break
		}
		cmdSlice := strings.Fields(cmd)
		if len(cmdSlice) == 0 {
			continue
		}
		p.f = flag.NewFlagSet(cmdSlice[0], flag.ContinueOnError)
		p.f.SetOutput(p.w)
		switch cmdSlice[0] {
		case "q", "quit":
			pa = paQuit
		case "h", "help":
			p.output(promptHelp)
		case "map":
			pa = p.cmdMap(cmdSlice[1:])
		case "unmap":
			pa = p.cmdUnmap(cmdSlice[1:])
		case "state":
			pa = p.cmdState(cmdSlice[1:])
		case "read":
			pa = p.cmdRead(cmdSlice[1:])
		case "write":
			pa = p.cmdWrite(cmdSlice[1:])
		case "fault":
			pa = p.cmdFault(cmdSlice[1:])
		case "access":
			pa = p.cmdAccess(cmdSlice[1:])
		case "migrate":
			pa = p.cmdMigrate(cmdSlice[1:])
		case "prefetch":
			pa = p.cmdPrefetch(cmdSlice[1:])
		case "dump":
			pa = p.cmdDump(cmdSlice[1:])
		case "stats":
			p.output(p.d.ctx.GetStats().Summarize() + "\n")
		case "metrics":
			pa = p.cmdMetrics()
		case "nodes":
			pa = p.cmdNodes()
		case "config":
			p.output("%s\n", telepage.CurrentConfig())
		default:
			p.output("unknown command, try help\n")
		}
	}
	p.output("quitting prompt.\n")
}

// parseAddr parses a hexadecimal address with an optional 0x prefix.
func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}

// parseSize parses a decimal size with an optional k, M or G suffix.
func parseSize(s string) (uint64, error) {
	shift := 0
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		shift = 10
	case strings.HasSuffix(s, "M"):
		shift = 20
	case strings.HasSuffix(s, "G"):
		shift = 30
	}
	if shift > 0 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n << shift, nil
}

// rangeFlags registers and parses the common -pid, -start and -size flags.
type rangeFlags struct {
	pid   *int
	start *string
	size  *string
}

func (p *Prompt) rangeFlags() *rangeFlags {
	return &rangeFlags{
		pid:   p.f.Int("pid", -1, "process id"),
		start: p.f.String("start", "", "hexadecimal start address"),
		size:  p.f.String("size", "4k", "size of the range"),
	}
}

func (p *Prompt) parseRange(rf *rangeFlags) (*telepage.AddressSpace, uint64, uint64, bool) {
	if *rf.pid < 0 {
		p.output("missing valid -pid=PID\n")
		return nil, 0, 0, false
	}
	start, err := parseAddr(*rf.start)
	if err != nil {
		p.output("invalid -start=%q: %v\n", *rf.start, err)
		return nil, 0, 0, false
	}
	size, err := parseSize(*rf.size)
	if err != nil {
		p.output("invalid -size=%q: %v\n", *rf.size, err)
		return nil, 0, 0, false
	}
	return p.d.ctx.Process(*rf.pid), start, size, true
}

// addrFlags registers and parses the common -pid and -addr flags.
func (p *Prompt) addrFlags() (*int, *string) {
	return p.f.Int("pid", -1, "process id"), p.f.String("addr", "", "hexadecimal address")
}

func (p *Prompt) parseAddr(pid *int, addr *string) (*telepage.AddressSpace, uint64, bool) {
	if *pid < 0 {
		p.output("missing valid -pid=PID\n")
		return nil, 0, false
	}
	a, err := parseAddr(*addr)
	if err != nil {
		p.output("invalid -addr=%q: %v\n", *addr, err)
		return nil, 0, false
	}
	return p.d.ctx.Process(*pid), a, true
}

func (p *Prompt) cmdMap(args []string) promptAction {
	rf := p.rangeFlags()
	tier := p.f.String("tier", "terapage", "tier to map the range to")
	mapType := p.f.String("type", "rw", "r, rw, x or rx")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	as, start, size, ok := p.parseRange(rf)
	if !ok {
		return paCommandOk
	}
	kind, err := telepage.ParseTierKind(*tier)
	if err != nil {
		p.output("%v\n", err)
		return paCommandOk
	}
	mt, err := telepage.ParseMapType(*mapType)
	if err != nil {
		p.output("%v\n", err)
		return paCommandOk
	}
	if err := as.Map(context.Background(), start, size, kind, mt); err != nil {
		p.output("map failed: %v\n", err)
		return paCommandOk
	}
	p.output("mapped %d page(s) to %s\n", telepage.Pages(size), kind)
	return paCommandOk
}

func (p *Prompt) cmdUnmap(args []string) promptAction {
	rf := p.rangeFlags()
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	as, start, size, ok := p.parseRange(rf)
	if !ok {
		return paCommandOk
	}
	p.output("unmapped %d page(s)\n", as.Unmap(start, size))
	return paCommandOk
}

func (p *Prompt) cmdState(args []string) promptAction {
	rf := p.rangeFlags()
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	as, start, size, ok := p.parseRange(rf)
	if !ok {
		return paCommandOk
	}
	p.output("%s\n", as.State(start, size))
	return paCommandOk
}

func (p *Prompt) cmdRead(args []string) promptAction {
	pid, addr := p.addrFlags()
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	as, a, ok := p.parseAddr(pid, addr)
	if !ok {
		return paCommandOk
	}
	data, err := as.ReadPage(context.Background(), a)
	if err != nil {
		p.output("read failed: %v\n", err)
		return paCommandOk
	}
	p.output("%x...\n", data[:32])
	return paCommandOk
}

func (p *Prompt) cmdWrite(args []string) promptAction {
	pid, addr := p.addrFlags()
	fill := p.f.Uint("fill", 0xa5, "byte to fill the page with")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	as, a, ok := p.parseAddr(pid, addr)
	if !ok {
		return paCommandOk
	}
	data := make([]byte, telepage.PageSize)
	for i := range data {
		data[i] = byte(*fill)
	}
	if err := as.WritePage(a, data); err != nil {
		p.output("write failed: %v\n", err)
	}
	return paCommandOk
}

func (p *Prompt) cmdFault(args []string) promptAction {
	pid, addr := p.addrFlags()
	write := p.f.Bool("write", false, "fault on a write access")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	as, a, ok := p.parseAddr(pid, addr)
	if !ok {
		return paCommandOk
	}
	p.output("%s\n", as.HandlePageFault(context.Background(), a, *write))
	return paCommandOk
}

func (p *Prompt) cmdAccess(args []string) promptAction {
	pid, addr := p.addrFlags()
	count := p.f.Int("count", 1, "number of accesses")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	as, a, ok := p.parseAddr(pid, addr)
	if !ok {
		return paCommandOk
	}
	for i := 0; i < *count; i++ {
		as.TrackPageAccess(a)
	}
	return paCommandOk
}

func (p *Prompt) cmdMigrate(args []string) promptAction {
	pid, addr := p.addrFlags()
	to := p.f.String("to", "", "target tier")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	as, a, ok := p.parseAddr(pid, addr)
	if !ok {
		return paCommandOk
	}
	kind, err := telepage.ParseTierKind(*to)
	if err != nil {
		p.output("invalid -to: %v\n", err)
		return paCommandOk
	}
	if err := as.Migrate(context.Background(), a, kind); err != nil {
		p.output("migration failed: %v\n", err)
	}
	return paCommandOk
}

func (p *Prompt) cmdPrefetch(args []string) promptAction {
	pid, addr := p.addrFlags()
	size := p.f.String("size", "4k", "size of the range to prefetch")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	as, a, ok := p.parseAddr(pid, addr)
	if !ok {
		return paCommandOk
	}
	n, err := parseSize(*size)
	if err != nil {
		p.output("invalid -size=%q: %v\n", *size, err)
		return paCommandOk
	}
	queued, err := as.Prefetch(context.Background(), a, n)
	if err != nil {
		p.output("prefetch failed: %v\n", err)
		return paCommandOk
	}
	p.output("queued %d page(s)\n", queued)
	return paCommandOk
}

func (p *Prompt) cmdDump(args []string) promptAction {
	pid := p.f.Int("pid", -1, "process id")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	if *pid < 0 {
		p.output("missing valid -pid=PID\n")
		return paCommandOk
	}
	p.output("%s\n", p.d.ctx.Process(*pid).Dump())
	return paCommandOk
}

func (p *Prompt) cmdMetrics() promptAction {
	g, err := metrics.NewMetricGatherer()
	if err != nil {
		p.output("%v\n", err)
		return paCommandOk
	}
	if err := metrics.WriteText(p.w, g); err != nil {
		p.output("%v\n", err)
	}
	p.w.Flush()
	return paCommandOk
}

func (p *Prompt) cmdNodes() promptAction {
	pool := p.d.ctx.Remote()
	if pool == nil {
		p.output("no remote nodes configured\n")
		return paCommandOk
	}
	p.output("%6s %-24s %9s %12s %10s %12s %12s\n",
		"node", "address", "connected", "latency", "MB/s", "total", "free")
	for _, s := range pool.Stats() {
		p.output("%6d %-24s %9v %12s %10.1f %12d %12d\n",
			s.Node, s.Address, s.Connected, s.Latency, s.BandwidthMBps, s.TotalMemory, s.FreeMemory)
	}
	return paCommandOk
}
