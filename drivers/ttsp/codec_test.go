package ttsp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16CheckValue(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), CRC16([]byte("123456789")))
	assert.Equal(t, uint16(0xFFFF), CRC16(nil))
}

func TestEndiannessPutUint(t *testing.T) {
	b := make([]byte, 4)
	BigEndian.PutUint(b, 2, 0x1234)
	assert.Equal(t, []byte{0x12, 0x34}, b[:2])
	LittleEndian.PutUint(b, 2, 0x1234)
	assert.Equal(t, []byte{0x34, 0x12}, b[:2])

	LittleEndian.PutUint(b, 4, 0xA1B2C3D4)
	assert.Equal(t, uint32(0xA1B2C3D4), LittleEndian.Uint(b, 4))
	assert.Equal(t, uint32(0xD4), LittleEndian.Uint(b, 1))
}

func TestSplitRows(t *testing.T) {
	spans := splitRows(40, 150, 64)
	require.Len(t, spans, 3)
	assert.Equal(t, rowSpan{offset: 40, pos: 0, n: 24}, spans[0])
	assert.Equal(t, rowSpan{offset: 64, pos: 24, n: 64}, spans[1])
	assert.Equal(t, rowSpan{offset: 128, pos: 88, n: 62}, spans[2])

	spans = splitRows(0, 192, 64)
	require.Len(t, spans, 3)
	for i, s := range spans {
		assert.Equal(t, 64, s.n)
		assert.EqualValues(t, i*64, s.offset)
	}
}

func TestCondWaitTimesOut(t *testing.T) {
	var mu sync.Mutex
	c := newCond()
	mu.Lock()
	defer mu.Unlock()
	ok := c.wait(&mu, 10*time.Millisecond, func() bool { return false })
	assert.False(t, ok)
}

func TestCondWaitSeesBroadcast(t *testing.T) {
	var mu sync.Mutex
	c := newCond()
	flag := false
	go func() {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		flag = true
		c.broadcast()
		mu.Unlock()
	}()
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, c.wait(&mu, time.Second, func() bool { return flag }))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxXfer = 2
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidParams)

	cfg = DefaultConfig()
	cfg.SleepPolicy = 7
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidParams)

	filled := Config{}.withDefaults()
	assert.Equal(t, 3, filled.StartupRetries)
	assert.Equal(t, 5*time.Second, filled.ModeChangeTimeout)
	assert.NotNil(t, filled.Logger)
}
