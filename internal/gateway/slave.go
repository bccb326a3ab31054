package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"go.uber.org/zap"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/model"
)

// meterBlock is the contiguous holding register range of a power meter.
const (
	meterStart = uint16(model.RegVoltage)
	meterCount = uint16(model.RegOutput1 - model.RegVoltage + 1)
)

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// slave is one polled field device. Reads and writes share one
// connection and are serialized.
type slave struct {
	cfg    config.SlaveConfig
	logger *zap.Logger

	mu        sync.Mutex
	handler   handlerWithConn
	client    mb.Client
	addr      string
	connected bool
}

func newSlave(cfg config.SlaveConfig, logger *zap.Logger) (*slave, error) {
	s := &slave{cfg: cfg}
	h, addr, err := s.newHandler()
	if err != nil {
		return nil, fmt.Errorf("slave %d: %w", cfg.SlaveID, err)
	}
	s.handler = h
	s.addr = addr
	s.client = mb.NewClient(h)
	s.logger = logger.With(zap.Uint8("slave_id", cfg.SlaveID), zap.String("addr", addr))
	return s, nil
}

// newHandler creates and configures a handler for TCP or RTU based on config.
// It returns the handler and a human-readable address for logs.
func (s *slave) newHandler() (handlerWithConn, string, error) {
	proto := strings.ToLower(strings.TrimSpace(s.cfg.Protocol))
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn := s.cfg.Connection
	switch proto {
	case "modbus-tcp", "tcp", "":
		address := fmt.Sprintf("%s:%d", conn.Host, conn.Port)
		h := mb.NewTCPClientHandler(address)
		h.Timeout = timeout
		h.SlaveId = s.cfg.SlaveID
		return h, address, nil
	case "modbus-rtu", "rtu":
		port := conn.SerialPort
		if strings.TrimSpace(port) == "" {
			return nil, "", errors.New("serial_port is required for RTU")
		}
		h := mb.NewRTUClientHandler(port)
		if conn.BaudRate > 0 {
			h.BaudRate = conn.BaudRate
		}
		if conn.DataBits > 0 {
			h.DataBits = conn.DataBits
		}
		if conn.StopBits > 0 {
			h.StopBits = conn.StopBits
		}
		if p := strings.ToUpper(strings.TrimSpace(conn.Parity)); p != "" {
			h.Parity = p
		}
		h.Timeout = timeout
		h.SlaveId = s.cfg.SlaveID
		return h, port, nil
	default:
		return nil, "", fmt.Errorf("protocol %s not implemented", s.cfg.Protocol)
	}
}

func (s *slave) connectLocked() error {
	if s.connected {
		return nil
	}
	retry := s.cfg.RetryCount
	if retry < 0 {
		retry = 0
	}
	var err error
	for attempt := 0; attempt <= retry; attempt++ {
		if err = s.handler.Connect(); err == nil {
			s.connected = true
			return nil
		}
		if attempt < retry {
			time.Sleep(200 * time.Millisecond)
		}
	}
	return fmt.Errorf("connect %s: %w", s.addr, err)
}

// reconnectLocked closes and reopens the handler once.
func (s *slave) reconnectLocked() error {
	s.handler.Close()
	s.connected = false
	time.Sleep(200 * time.Millisecond)
	if err := s.handler.Connect(); err != nil {
		return err
	}
	s.connected = true
	return nil
}

// do runs op on a connected client; on failure it reconnects once and
// retries.
func (s *slave) do(op func(mb.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(); err != nil {
		return err
	}
	err := op(s.client)
	if err == nil {
		return nil
	}
	if recErr := s.reconnectLocked(); recErr != nil {
		return fmt.Errorf("%w (reconnect: %v)", err, recErr)
	}
	return op(s.client)
}

// read returns the meter registers keyed by register id.
func (s *slave) read() (map[int]int64, error) {
	var data []byte
	err := s.do(func(c mb.Client) error {
		var err error
		data, err = c.ReadHoldingRegisters(meterStart, meterCount)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read registers %d..%d: %w", meterStart, meterStart+meterCount-1, err)
	}
	if len(data) < int(meterCount)*2 {
		return nil, fmt.Errorf("short read: %d bytes", len(data))
	}
	regs := make(map[int]int64, meterCount)
	for i := 0; i < int(meterCount); i++ {
		regs[int(meterStart)+i] = int64(binary.BigEndian.Uint16(data[i*2:]))
	}
	return regs, nil
}

// write sets one holding register.
func (s *slave) write(register uint16, value uint16) error {
	err := s.do(func(c mb.Client) error {
		_, err := c.WriteSingleRegister(register, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("write register %d: %w", register, err)
	}
	return nil
}

func (s *slave) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.handler.Close()
		s.connected = false
	}
}
