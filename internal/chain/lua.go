package chain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/forgeworks/forge/internal/models"
)

// ParseLua evaluates a chain-definition script in a sandboxed Lua state.
// Scripts declare a chain and its steps through two registered functions:
//
//	chain{ name = "detector", description = "..." }
//	step{ kind = "validate_input", name = "validate" }
//	step{ kind = "create_branch", name = "branch", gated = true }
//
// Only pure declaration is possible: the state loads no IO or OS
// libraries, so scripts cannot touch the filesystem or the network.
func ParseLua(path string) (*models.Chain, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()

	openSafeLibs(L)

	c := &models.Chain{}
	L.SetGlobal("chain", L.NewFunction(func(L *lua.LState) int {
		tbl := L.CheckTable(1)
		c.Name = stringField(tbl, "name")
		c.Description = stringField(tbl, "description")
		return 0
	}))
	L.SetGlobal("step", L.NewFunction(func(L *lua.LState) int {
		tbl := L.CheckTable(1)
		c.Steps = append(c.Steps, &models.StepDef{
			Kind:        models.StepKind(stringField(tbl, "kind")),
			Name:        stringField(tbl, "name"),
			Description: stringField(tbl, "description"),
			Gated:       boolField(tbl, "gated"),
		})
		return 0
	}))

	if err := L.DoString(string(script)); err != nil {
		return nil, fmt.Errorf("chain script failed: %w", err)
	}

	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(path), ".lua")
	}

	return c, nil
}

// openSafeLibs loads only libraries a declaration script could need.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove escape hatches from base
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
}

func stringField(tbl *lua.LTable, key string) string {
	if v, ok := tbl.RawGetString(key).(lua.LString); ok {
		return string(v)
	}
	return ""
}

func boolField(tbl *lua.LTable, key string) bool {
	if v, ok := tbl.RawGetString(key).(lua.LBool); ok {
		return bool(v)
	}
	return false
}

// IsLuaChain checks if a file is a Lua chain definition.
func IsLuaChain(path string) bool {
	return filepath.Ext(path) == ".lua"
}
