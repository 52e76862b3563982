package classify

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// LuaClassifier delegates to a user script defining classify(text), which
// must return a table {labels = {...}, breakdown = {...}}. Any script error
// falls back to the phrase vocabulary for that call.
type LuaClassifier struct {
	L        *lua.LState
	fallback Classifier
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewLuaClassifierFromFile loads the script at path
func NewLuaClassifierFromFile(path string, logger *slog.Logger) (*LuaClassifier, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier script: %w", err)
	}
	return NewLuaClassifier(string(script), logger)
}

// NewLuaClassifier compiles script in a sandboxed state
func NewLuaClassifier(script string, logger *slog.Logger) (*LuaClassifier, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibs(L)

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load classifier script: %w", err)
	}
	if fn, ok := L.GetGlobal("classify").(*lua.LFunction); !ok || fn == nil {
		L.Close()
		return nil, fmt.Errorf("classifier script must define a 'classify' function")
	}

	return &LuaClassifier{
		L:        L,
		fallback: NewPhraseClassifier(),
		logger:   logger,
	}, nil
}

// Classify implements Classifier
func (c *LuaClassifier) Classify(text string) Classification {
	result, err := c.call(text)
	if err != nil {
		c.logger.Warn("classifier script failed, using phrase vocabulary", "error", err)
		return c.fallback.Classify(text)
	}
	return result
}

// Close releases the Lua state
func (c *LuaClassifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.L.Close()
}

func (c *LuaClassifier) call(text string) (Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	top := c.L.GetTop()
	defer c.L.SetTop(top)

	c.L.Push(c.L.GetGlobal("classify"))
	c.L.Push(lua.LString(text))
	if err := c.L.PCall(1, 1, nil); err != nil {
		return Classification{}, err
	}

	tbl, ok := c.L.Get(-1).(*lua.LTable)
	if !ok {
		return Classification{}, fmt.Errorf("classify returned %s, want table", c.L.Get(-1).Type())
	}

	var out Classification
	if labels, ok := tbl.RawGetString("labels").(*lua.LTable); ok {
		labels.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				out.add(Label(s))
			}
		})
	}
	if breakdown, ok := tbl.RawGetString("breakdown").(*lua.LTable); ok {
		for i := 1; i <= breakdown.Len() && len(out.Breakdown) < MaxBreakdownItems; i++ {
			if s, ok := breakdown.RawGetInt(i).(lua.LString); ok && string(s) != "" {
				out.Breakdown = append(out.Breakdown, string(s))
			}
		}
	}
	return out, nil
}

func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if math, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(math, "random", lua.LNil)
		L.SetField(math, "randomseed", lua.LNil)
	}
}
