package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/thisisjab/logcast/entity"
	lua "github.com/yuin/gopher-lua"
	luajson "layeh.com/gopher-json"
)

const luaEntryPoint = "process_message"

type LuaMessageProcessorConfig struct {
	Name       string `yaml:"-"`
	ScriptPath string `yaml:"script_path"`
}

// LuaMessageProcessor rewrites messages with a user provided lua script.
// Provided script MUST contain a function named `process_message` which takes 3 parameters:
// 1. message as a string
// 2. emit type as a string
// 3. metadata as a table
// and returns the same three values, possibly modified.
// Note that user can have access to JSON helper using `local json = require("json")`
type LuaMessageProcessor struct {
	cfg  LuaMessageProcessorConfig
	pool *sync.Pool
}

func newLuaState(scriptPath string) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load anything by default
	})

	// Manually open only the safe libraries
	// We skip 'os' and 'io' to prevent system commands/file access
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},  // Allows 'require'
		{lua.BaseLibName, lua.OpenBase},     // Allows 'print', 'pairs', etc.
		{lua.TabLibName, lua.OpenTable},     // Allows 'table.insert', etc.
		{lua.StringLibName, lua.OpenString}, // Allows string manipulation
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	luajson.Preload(L)

	if err := L.DoFile(scriptPath); err != nil {
		L.Close()
		return nil, fmt.Errorf("cannot load lua script: %w", err)
	}

	if L.GetGlobal(luaEntryPoint).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("lua script does not define `%s`", luaEntryPoint)
	}

	return L, nil
}

func NewLuaMessageProcessor(cfg LuaMessageProcessorConfig) (*LuaMessageProcessor, error) {
	if cfg.ScriptPath == "" {
		return nil, errors.New("lua script path is required")
	}

	// Load once up front so a broken script fails at startup instead of inside the pool.
	first, err := newLuaState(cfg.ScriptPath)
	if err != nil {
		return nil, err
	}

	pool := &sync.Pool{
		New: func() any {
			L, err := newLuaState(cfg.ScriptPath)
			if err != nil {
				panic(err)
			}
			return L
		},
	}
	pool.Put(first)

	return &LuaMessageProcessor{
		cfg:  cfg,
		pool: pool,
	}, nil
}

func (lp *LuaMessageProcessor) Name() string {
	return lp.cfg.Name
}

func (lp *LuaMessageProcessor) Process(msg entity.LogMessage) (entity.LogMessage, error) {
	L := lp.pool.Get().(*lua.LState)
	defer lp.pool.Put(L)

	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return msg, fmt.Errorf("cannot encode metadata: %w", err)
	}

	luaMetadata, err := luajson.Decode(L, metadataJSON)
	if err != nil {
		return msg, fmt.Errorf("cannot pass metadata to lua: %w", err)
	}

	err = L.CallByParam(lua.P{
		Fn:      L.GetGlobal(luaEntryPoint),
		NRet:    3,
		Protect: true,
	}, lua.LString(msg.Message), lua.LString(msg.EmitType), luaMetadata)
	if err != nil {
		return msg, fmt.Errorf("lua script error: %w", err)
	}

	// Extract values
	luaMeta, isTable := L.Get(-1).(*lua.LTable)
	luaEmitType := L.ToString(-2)
	luaMessage := L.ToString(-3)

	// Clean up stack IMMEDIATELY after extraction
	L.Pop(3)

	processed := msg
	processed.Message = luaMessage
	processed.EmitType = luaEmitType
	if isTable {
		processed.Metadata = luaTableToMap(luaMeta)
	} else {
		processed.Metadata = map[string]any{}
	}

	return processed, nil
}

func luaTableToMap(table *lua.LTable) map[string]any {
	res := make(map[string]any)
	table.ForEach(func(key, value lua.LValue) {
		// Lua keys are usually strings for metadata, but we ensure string conversion for the map key
		res[key.String()] = convertLuaValue(value)
	})
	return res
}

// luaTableToSlice returns the table as a slice when it is a sequence (keys 1..n and nothing else).
func luaTableToSlice(table *lua.LTable) ([]any, bool) {
	n := table.MaxN()
	if n == 0 {
		return nil, false
	}

	count := 0
	table.ForEach(func(_, _ lua.LValue) { count++ })
	if count != n {
		return nil, false
	}

	res := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		res = append(res, convertLuaValue(table.RawGetInt(i)))
	}
	return res, true
}

func convertLuaValue(value lua.LValue) any {
	switch v := value.(type) {
	case *lua.LTable:
		if arr, ok := luaTableToSlice(v); ok {
			return arr
		}
		return luaTableToMap(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case lua.LBool:
		return bool(v)
	case *lua.LNilType:
		return nil
	default:
		if value == lua.LNil {
			return nil
		}

		// Fallback for types we don't explicitly handle (like functions or userdata)
		return v.String()
	}
}
