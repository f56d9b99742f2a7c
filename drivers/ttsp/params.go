package ttsp

import (
	"fmt"
	"slices"
)

// Param is a runtime parameter (scan type, thresholds and the like).
// Size is 1, 2 or 4 bytes on the wire.
type Param struct {
	ID    uint8
	Size  uint8
	Value uint32
}

func (p Param) validate() error {
	switch p.Size {
	case 1, 2, 4:
		return nil
	}
	return fail(ErrInvalidParams, "param", fmt.Sprintf("size %d", p.Size))
}

// GetParam reads parameter id in operational mode.
func (c *Core) GetParam(id uint8) (Param, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.execLocked(ModeOperational, OpCmdGetParam, []byte{id}, 4)
	if err != nil {
		return Param{}, err
	}
	p := Param{ID: resp[0], Size: resp[1]}
	if p.ID != id || p.validate() != nil {
		return Param{}, fail(ErrCommandFailed, "get_param", fmt.Sprintf("response id %d size %d", resp[0], resp[1]))
	}
	p.Value = c.endiannessLocked().Uint(resp[2:], int(p.Size))
	return p, nil
}

// SetParam writes a parameter. On success the value is remembered, saved
// to the ParamStore and restored after every startup.
func (c *Core) SetParam(p Param) error {
	if err := p.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setParamLocked(p); err != nil {
		return err
	}
	c.rememberParamLocked(p)
	if c.cfg.Params != nil {
		if err := c.cfg.Params.SaveParam(c.cfg.Name, p); err != nil {
			c.log.Warn("param not persisted", "device", c.cfg.Name, "id", p.ID, "err", err)
		}
	}
	return nil
}

func (c *Core) setParamLocked(p Param) error {
	b := make([]byte, 2+p.Size)
	b[0] = p.ID
	b[1] = p.Size
	c.endiannessLocked().PutUint(b[2:], int(p.Size), p.Value)
	resp, err := c.execLocked(ModeOperational, OpCmdSetParam, b, 0)
	if err != nil {
		return err
	}
	if resp[0] != p.ID || resp[1] != p.Size {
		return fail(ErrCommandFailed, "set_param", fmt.Sprintf("response id %d size %d", resp[0], resp[1]))
	}
	return nil
}

func (c *Core) rememberParamLocked(p Param) {
	i := slices.IndexFunc(c.params, func(q Param) bool { return q.ID == p.ID })
	if i >= 0 {
		c.params[i] = p
		return
	}
	c.params = append(c.params, p)
}

// restoreParamsLocked replays remembered parameters after startup. A
// failure is logged and does not fail the startup.
func (c *Core) restoreParamsLocked() {
	for _, p := range c.params {
		if err := c.setParamLocked(p); err != nil {
			c.log.Warn("param restore failed", "device", c.cfg.Name, "id", p.ID, "err", err)
		}
	}
}

// Params returns the remembered parameters.
func (c *Core) Params() []Param {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.params)
}
