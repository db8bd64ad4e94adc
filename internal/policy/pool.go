// Package policy dispatches calls into a pool of user-supplied Lua policy
// instances. Each holder owns an independent interpreter guarded by a
// mutex; dispatch is lock-free round-robin over the holders so concurrent
// workers never serialise on a single interpreter.
package policy

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/loginsentry/loginsentry/internal/core"
)

// Verdict is the result of the allow hook. Status < 0 rejects, 0 allows,
// > 0 tarpits with the status as a delay hint.
type Verdict struct {
	Status int               `json:"status"`
	Msg    string            `json:"msg"`
	LogMsg string            `json:"-"`
	Attrs  map[string]string `json:"r_attrs"`
}

// Holder is one interpreter instance plus the mutex serialising access.
type Holder struct {
	mu  sync.Mutex
	L   *lua.LState
	out bytes.Buffer // captured print output, for the control channel
}

// Pool owns the holders.
type Pool struct {
	holders []*Holder
	counter atomic.Uint64

	mu     sync.Mutex
	custom map[string]bool // custom endpoint name -> wants LoginEvent body

	logger *log.Logger
}

// NewPool creates n holders, registers the Go bindings in each and runs the
// policy script. n defaults to 6.
func NewPool(script string, n int, b *Bindings) (*Pool, error) {
	if n <= 0 {
		n = 6
	}
	p := &Pool{
		custom: make(map[string]bool),
		logger: log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
	}
	for i := 0; i < n; i++ {
		h := &Holder{L: lua.NewState()}
		p.registerBuiltins(h, b)
		if script != "" {
			if err := h.L.DoFile(script); err != nil {
				return nil, fmt.Errorf("policy script %s: %w", script, err)
			}
		}
		p.holders = append(p.holders, h)
	}
	p.logger.Printf("policy pool ready: %d interpreter states", n)
	return p, nil
}

// Close shuts every interpreter down.
func (p *Pool) Close() {
	for _, h := range p.holders {
		h.mu.Lock()
		h.L.Close()
		h.mu.Unlock()
	}
}

// next picks a holder round-robin.
func (p *Pool) next() *Holder {
	idx := p.counter.Add(1) % uint64(len(p.holders))
	return p.holders[idx]
}

// CustomEndpoints lists the endpoint names the script registered.
func (p *Pool) CustomEndpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.custom))
	for name := range p.custom {
		names = append(names, name)
	}
	return names
}

// HasCustomEndpoint reports whether the script registered name.
func (p *Pool) HasCustomEndpoint(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.custom[name]
	return ok
}

// =============================================================================
// Hooks
// =============================================================================

// Allow runs the allow hook. A missing hook allows; a Lua error is returned
// to the caller (the HTTP layer maps it to a 500).
func (p *Pool) Allow(ev *core.LoginEvent) (Verdict, error) {
	h := p.next()
	h.mu.Lock()
	defer h.mu.Unlock()

	fn, ok := h.L.GetGlobal("allow").(*lua.LFunction)
	if !ok {
		return Verdict{Status: 0}, nil
	}
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 4, Protect: true}, eventToLua(h.L, ev)); err != nil {
		return Verdict{}, fmt.Errorf("allow hook: %w", err)
	}
	attrs := tableToMap(h.L.Get(-1))
	logMsg := lua.LVAsString(h.L.Get(-2))
	msg := lua.LVAsString(h.L.Get(-3))
	status := int(lua.LVAsNumber(h.L.Get(-4)))
	h.L.Pop(4)
	return Verdict{Status: status, Msg: msg, LogMsg: logMsg, Attrs: attrs}, nil
}

// Report runs the report hook, if present.
func (p *Pool) Report(ev *core.LoginEvent) error {
	h := p.next()
	h.mu.Lock()
	defer h.mu.Unlock()

	fn, ok := h.L.GetGlobal("report").(*lua.LFunction)
	if !ok {
		return nil
	}
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventToLua(h.L, ev)); err != nil {
		return fmt.Errorf("report hook: %w", err)
	}
	return nil
}

// Reset runs the reset hook. typ contains "ip" and/or "login" depending on
// which keys the caller supplied.
func (p *Pool) Reset(typ, login, ip string) (bool, error) {
	h := p.next()
	h.mu.Lock()
	defer h.mu.Unlock()

	fn, ok := h.L.GetGlobal("reset").(*lua.LFunction)
	if !ok {
		return true, nil
	}
	err := h.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true},
		lua.LString(typ), lua.LString(login), lua.LString(ip))
	if err != nil {
		return false, fmt.Errorf("reset hook: %w", err)
	}
	ret := lua.LVAsBool(h.L.Get(-1))
	h.L.Pop(1)
	return ret, nil
}

// Canonicalize maps a login through the user hook; identity when the script
// does not define one or the hook fails.
func (p *Pool) Canonicalize(login string) string {
	h := p.next()
	h.mu.Lock()
	defer h.mu.Unlock()

	fn, ok := h.L.GetGlobal("canonicalize").(*lua.LFunction)
	if !ok {
		return login
	}
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(login)); err != nil {
		p.logger.Printf("⚠️  canonicalize hook: %v", err)
		return login
	}
	out := lua.LVAsString(h.L.Get(-1))
	h.L.Pop(1)
	if out == "" {
		return login
	}
	return out
}

// Custom runs a script-registered endpoint with the decoded request args
// and returns its result table.
func (p *Pool) Custom(name string, args map[string]string) (map[string]string, error) {
	if !p.HasCustomEndpoint(name) {
		return nil, fmt.Errorf("no custom endpoint %q", name)
	}
	h := p.next()
	h.mu.Lock()
	defer h.mu.Unlock()

	reg := h.L.GetGlobal(customRegistryName)
	tbl, ok := reg.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("custom endpoint registry missing")
	}
	fn, ok := tbl.RawGetString(name).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("no custom endpoint %q", name)
	}
	argTbl := h.L.NewTable()
	for k, v := range args {
		argTbl.RawSetString(k, lua.LString(v))
	}
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, argTbl); err != nil {
		return nil, fmt.Errorf("custom endpoint %q: %w", name, err)
	}
	out := tableToMap(h.L.Get(-1))
	h.L.Pop(1)
	return out, nil
}

// =============================================================================
// Control channel execution
// =============================================================================

// Execute runs a command string against every interpreter state and returns
// the printed output of the first one (all states see configuration
// mutations; printing the result once is enough).
func (p *Pool) Execute(cmd string) string {
	var first string
	for i, h := range p.holders {
		h.mu.Lock()
		h.out.Reset()
		err := h.L.DoString(cmd)
		out := h.out.String()
		h.mu.Unlock()
		if i == 0 {
			if err != nil {
				first = out + "Error: " + err.Error() + "\n"
			} else {
				first = out
			}
		}
	}
	return first
}

// =============================================================================
// Lua conversion helpers
// =============================================================================

func eventToLua(L *lua.LState, ev *core.LoginEvent) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("login", lua.LString(ev.Login))
	t.RawSetString("pwhash", lua.LString(ev.PwHash))
	t.RawSetString("remote", lua.LString(ev.Remote))
	t.RawSetString("t", lua.LNumber(ev.Time))
	t.RawSetString("success", lua.LBool(ev.Success))
	t.RawSetString("policy_reject", lua.LBool(ev.PolicyReject))
	t.RawSetString("protocol", lua.LString(ev.Protocol))
	t.RawSetString("tls", lua.LBool(ev.TLS))
	t.RawSetString("device_id", lua.LString(ev.DeviceID))

	da := L.NewTable()
	for k, v := range ev.DeviceAttrs {
		da.RawSetString(k, lua.LString(v))
	}
	t.RawSetString("device_attrs", da)

	attrs := L.NewTable()
	for k, v := range ev.Attrs {
		attrs.RawSetString(k, lua.LString(v))
	}
	for k, vs := range ev.AttrsMulti {
		mv := L.NewTable()
		for _, v := range vs {
			mv.Append(lua.LString(v))
		}
		attrs.RawSetString(k, mv)
	}
	t.RawSetString("attrs", attrs)
	return t
}

func tableToMap(v lua.LValue) map[string]string {
	out := make(map[string]string)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return out
	}
	tbl.ForEach(func(k, v lua.LValue) {
		out[lua.LVAsString(k)] = lvToString(v)
	})
	return out
}

func lvToString(v lua.LValue) string {
	if tbl, ok := v.(*lua.LTable); ok {
		var parts []string
		tbl.ForEach(func(_, e lua.LValue) {
			parts = append(parts, lua.LVAsString(e))
		})
		return strings.Join(parts, ",")
	}
	return lua.LVAsString(v)
}
