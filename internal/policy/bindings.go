package policy

import (
	"log"

	lua "github.com/yuin/gopher-lua"

	"github.com/loginsentry/loginsentry/internal/core"
	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/stats"
)

// customRegistryName is the Lua global holding the custom endpoint table.
const customRegistryName = "__loginsentry_custom"

// Bindings gives the Lua states access to the engine. All fields are
// optional; missing ones leave the corresponding functions as no-ops.
type Bindings struct {
	StatsDB func(name string) *stats.DB
	Deny    *lists.Store
	Allow   *lists.Store
	Logger  *log.Logger
}

func (b *Bindings) db(name string) *stats.DB {
	if b == nil || b.StatsDB == nil {
		return nil
	}
	return b.StatsDB(name)
}

// registerBuiltins installs print capture, the custom endpoint registrar and
// the stats/list bindings into one holder's state.
func (p *Pool) registerBuiltins(h *Holder, b *Bindings) {
	L := h.L

	// print goes to the holder's capture buffer so the control channel can
	// return it; it is also mirrored to the policy log.
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		for i := 1; i <= top; i++ {
			if i > 1 {
				h.out.WriteByte('\t')
			}
			h.out.WriteString(lua.LVAsString(L.ToStringMeta(L.Get(i))))
		}
		h.out.WriteByte('\n')
		return 0
	}))

	L.SetGlobal(customRegistryName, L.NewTable())
	L.SetGlobal("setCustomEndpoint", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		wantsEvent := L.OptBool(3, false)
		reg := L.GetGlobal(customRegistryName).(*lua.LTable)
		reg.RawSetString(name, fn)
		p.mu.Lock()
		p.custom[name] = wantsEvent
		p.mu.Unlock()
		return 0
	}))

	logf := func(level string) lua.LGFunction {
		return func(L *lua.LState) int {
			if b != nil && b.Logger != nil {
				b.Logger.Printf("%s %s", level, L.CheckString(1))
			}
			return 0
		}
	}
	L.SetGlobal("infoLog", L.NewFunction(logf("INFO")))
	L.SetGlobal("warnLog", L.NewFunction(logf("WARN")))
	L.SetGlobal("errorLog", L.NewFunction(logf("ERROR")))

	p.registerStats(L, b)
	p.registerLists(L, b)
}

func (p *Pool) registerStats(L *lua.LState, b *Bindings) {
	// addDBField(db, key, field, value [, n]); value may be a number
	// (integer fields) or a string (sketch fields).
	L.SetGlobal("addDBField", L.NewFunction(func(L *lua.LState) int {
		db := b.db(L.CheckString(1))
		if db == nil {
			L.Push(lua.LFalse)
			return 1
		}
		key, field := L.CheckString(2), L.CheckString(3)
		var ok bool
		switch v := L.Get(4).(type) {
		case lua.LNumber:
			ok = db.AddInt(key, field, int(v))
		case lua.LString:
			if n := L.OptInt(5, 0); n > 0 {
				ok = db.AddStringN(key, field, string(v), n)
			} else {
				ok = db.AddString(key, field, string(v))
			}
		}
		L.Push(lua.LBool(ok))
		return 1
	}))

	L.SetGlobal("subDBField", L.NewFunction(func(L *lua.LState) int {
		db := b.db(L.CheckString(1))
		if db == nil {
			L.Push(lua.LFalse)
			return 1
		}
		key, field := L.CheckString(2), L.CheckString(3)
		var ok bool
		switch v := L.Get(4).(type) {
		case lua.LNumber:
			ok = db.SubInt(key, field, int(v))
		case lua.LString:
			ok = db.SubString(key, field, string(v))
		}
		L.Push(lua.LBool(ok))
		return 1
	}))

	// getDBField(db, key, field [, probe]) sums across all windows.
	L.SetGlobal("getDBField", L.NewFunction(func(L *lua.LState) int {
		db := b.db(L.CheckString(1))
		if db == nil {
			L.Push(lua.LNumber(0))
			return 1
		}
		L.Push(lua.LNumber(db.GetProbe(L.CheckString(2), L.CheckString(3), L.OptString(4, ""))))
		return 1
	}))

	// getCurrentDBField(db, key, field [, probe]) reads only the active slot.
	L.SetGlobal("getCurrentDBField", L.NewFunction(func(L *lua.LState) int {
		db := b.db(L.CheckString(1))
		if db == nil {
			L.Push(lua.LNumber(0))
			return 1
		}
		L.Push(lua.LNumber(db.GetCurrentProbe(L.CheckString(2), L.CheckString(3), L.OptString(4, ""))))
		return 1
	}))

	L.SetGlobal("resetDBKey", L.NewFunction(func(L *lua.LState) int {
		db := b.db(L.CheckString(1))
		if db == nil {
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LBool(db.Reset(L.CheckString(2))))
		return 1
	}))

	L.SetGlobal("resetDBField", L.NewFunction(func(L *lua.LState) int {
		db := b.db(L.CheckString(1))
		if db == nil {
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LBool(db.ResetField(L.CheckString(2), L.CheckString(3))))
		return 1
	}))
}

func (p *Pool) registerLists(L *lua.LState, b *Bindings) {
	store := func(deny bool) *lists.Store {
		if b == nil {
			return nil
		}
		if deny {
			return b.Deny
		}
		return b.Allow
	}

	addIP := func(deny bool) lua.LGFunction {
		return func(L *lua.LState) int {
			s := store(deny)
			addr, err := core.ParseAddr(L.CheckString(1))
			if s == nil || err != nil {
				return 0
			}
			s.AddIP(addr, L.CheckInt(2), L.OptString(3, ""), true)
			return 0
		}
	}
	addLogin := func(deny bool) lua.LGFunction {
		return func(L *lua.LState) int {
			if s := store(deny); s != nil {
				s.AddLogin(L.CheckString(1), L.CheckInt(2), L.OptString(3, ""), true)
			}
			return 0
		}
	}
	addIPLogin := func(deny bool) lua.LGFunction {
		return func(L *lua.LState) int {
			s := store(deny)
			addr, err := core.ParseAddr(L.CheckString(1))
			if s == nil || err != nil {
				return 0
			}
			s.AddIPLogin(addr, L.CheckString(2), L.CheckInt(3), L.OptString(4, ""), true)
			return 0
		}
	}
	checkIP := func(deny bool) lua.LGFunction {
		return func(L *lua.LState) int {
			s := store(deny)
			addr, err := core.ParseAddr(L.CheckString(1))
			if s == nil || err != nil {
				L.Push(lua.LFalse)
				return 1
			}
			L.Push(lua.LBool(s.CheckIP(addr)))
			return 1
		}
	}
	checkLogin := func(deny bool) lua.LGFunction {
		return func(L *lua.LState) int {
			s := store(deny)
			if s == nil {
				L.Push(lua.LFalse)
				return 1
			}
			L.Push(lua.LBool(s.CheckLogin(L.CheckString(1))))
			return 1
		}
	}
	checkIPLogin := func(deny bool) lua.LGFunction {
		return func(L *lua.LState) int {
			s := store(deny)
			addr, err := core.ParseAddr(L.CheckString(1))
			if s == nil || err != nil {
				L.Push(lua.LFalse)
				return 1
			}
			L.Push(lua.LBool(s.CheckIPLogin(addr, L.CheckString(2))))
			return 1
		}
	}
	delIP := func(deny bool) lua.LGFunction {
		return func(L *lua.LState) int {
			s := store(deny)
			addr, err := core.ParseAddr(L.CheckString(1))
			if s == nil || err != nil {
				return 0
			}
			s.DeleteIP(addr, true)
			return 0
		}
	}
	delLogin := func(deny bool) lua.LGFunction {
		return func(L *lua.LState) int {
			if s := store(deny); s != nil {
				s.DeleteLogin(L.CheckString(1), true)
			}
			return 0
		}
	}
	delIPLogin := func(deny bool) lua.LGFunction {
		return func(L *lua.LState) int {
			s := store(deny)
			addr, err := core.ParseAddr(L.CheckString(1))
			if s == nil || err != nil {
				return 0
			}
			s.DeleteIPLogin(addr, L.CheckString(2), true)
			return 0
		}
	}

	L.SetGlobal("blacklistIP", L.NewFunction(addIP(true)))
	L.SetGlobal("blacklistLogin", L.NewFunction(addLogin(true)))
	L.SetGlobal("blacklistIPLogin", L.NewFunction(addIPLogin(true)))
	L.SetGlobal("whitelistIP", L.NewFunction(addIP(false)))
	L.SetGlobal("whitelistLogin", L.NewFunction(addLogin(false)))
	L.SetGlobal("whitelistIPLogin", L.NewFunction(addIPLogin(false)))
	L.SetGlobal("checkBlacklistIP", L.NewFunction(checkIP(true)))
	L.SetGlobal("checkBlacklistLogin", L.NewFunction(checkLogin(true)))
	L.SetGlobal("checkBlacklistIPLogin", L.NewFunction(checkIPLogin(true)))
	L.SetGlobal("checkWhitelistIP", L.NewFunction(checkIP(false)))
	L.SetGlobal("checkWhitelistLogin", L.NewFunction(checkLogin(false)))
	L.SetGlobal("checkWhitelistIPLogin", L.NewFunction(checkIPLogin(false)))
	L.SetGlobal("unblacklistIP", L.NewFunction(delIP(true)))
	L.SetGlobal("unblacklistLogin", L.NewFunction(delLogin(true)))
	L.SetGlobal("unblacklistIPLogin", L.NewFunction(delIPLogin(true)))
	L.SetGlobal("unwhitelistIP", L.NewFunction(delIP(false)))
	L.SetGlobal("unwhitelistLogin", L.NewFunction(delLogin(false)))
	L.SetGlobal("unwhitelistIPLogin", L.NewFunction(delIPLogin(false)))
}
