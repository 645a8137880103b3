package phases

import (
	"fmt"
	"sync"
)

// Context carries values between phases of one run, chiefly the operator
// inputs collected through InputRequestError.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

func (c *Context) Set(key string, value any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.values[key]
	return val, ok
}

func (c *Context) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

func inputKey(phaseID, inputID string) string {
	return fmt.Sprintf("input:%s/%s", phaseID, inputID)
}

// SetInput stores the value supplied for a phase input.
func SetInput(ctx *Context, phaseID, inputID string, value any) {
	ctx.Set(inputKey(phaseID, inputID), value)
}

func GetInput(ctx *Context, phaseID, inputID string) (any, bool) {
	return ctx.Get(inputKey(phaseID, inputID))
}

// InputString returns a non-empty string input.
func InputString(ctx *Context, phaseID, inputID string) (string, bool) {
	val, ok := GetInput(ctx, phaseID, inputID)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	if !ok || str == "" {
		return "", false
	}
	return str, true
}

// ClearInput forgets an input so the phase asks for it again, e.g. after a
// rejected password.
func ClearInput(ctx *Context, phaseID, inputID string) {
	ctx.Delete(inputKey(phaseID, inputID))
}
